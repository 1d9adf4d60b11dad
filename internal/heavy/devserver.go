package heavy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/warp/internal/sandbox"
)

const defaultDevPort = 8080

// devServerCommands recognize commands that start a long-running server
// rather than run to completion.
var devServerCommands = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^flutter\s+run\b`),
	regexp.MustCompile(`(?i)^(npm|yarn|pnpm)\s+(run\s+)?(dev|start|serve)\b`),
	regexp.MustCompile(`(?i)^(npx\s+)?(vite|next\s+dev|ng\s+serve|nuxt\s+dev|webpack\s+serve|parcel)\b`),
	regexp.MustCompile(`(?i)^python3?\s+(-m\s+http\.server|manage\.py\s+runserver)\b`),
	regexp.MustCompile(`(?i)^(flask\s+run|uvicorn\s|rails\s+s(erver)?\b|php\s+artisan\s+serve|bundle\s+exec\s+rails\s+s)`),
}

// startPhrase matches free-form requests such as "start flutter web app".
var startPhrase = regexp.MustCompile(`(?i)^start\b.*\b(flutter|web)\b`)

var portFlags = []*regexp.Regexp{
	regexp.MustCompile(`--web-port[=\s]+(\d{2,5})`),
	regexp.MustCompile(`--port[=\s]+(\d{2,5})`),
	regexp.MustCompile(`\s-p\s+(\d{2,5})`),
	regexp.MustCompile(`http\.server\s+(\d{2,5})`),
	regexp.MustCompile(`runserver\s+(?:[\d.]+:)?(\d{2,5})`),
}

// IsDevServerCommand reports whether command starts a development server.
func IsDevServerCommand(command string) bool {
	command = strings.TrimSpace(command)
	if startPhrase.MatchString(command) {
		return true
	}
	for _, re := range devServerCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// CommandPort returns the port a dev-server command asks for, or 0.
func CommandPort(command string) int {
	for _, re := range portFlags {
		if m := re.FindStringSubmatch(command); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 && p <= 65535 {
				return p
			}
		}
	}
	return 0
}

// prepareDevCommand turns a dev-server request into a runnable command
// bound to port on all interfaces.
func prepareDevCommand(command, dir string, port int) string {
	command = strings.TrimSpace(command)
	switch {
	case command == "" || startPhrase.MatchString(command):
		return defaultDevCommand(dir, port)
	case strings.HasPrefix(strings.ToLower(command), "flutter run") && !strings.Contains(command, "web-server"):
		return fmt.Sprintf("%s -d web-server --web-port=%d --web-hostname=0.0.0.0", command, port)
	}
	return command
}

// defaultDevCommand picks a server for the project found in dir.
func defaultDevCommand(dir string, port int) string {
	switch {
	case exists(filepath.Join(dir, "pubspec.yaml")):
		return fmt.Sprintf("flutter run -d web-server --web-port=%d --web-hostname=0.0.0.0", port)
	case exists(filepath.Join(dir, "package.json")):
		return fmt.Sprintf("npm run dev -- --port %d --host 0.0.0.0", port)
	case exists(filepath.Join(dir, "manage.py")):
		return fmt.Sprintf("python3 manage.py runserver 0.0.0.0:%d", port)
	}
	return fmt.Sprintf("python3 -m http.server %d --bind 0.0.0.0", port)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// devServer is a dev server launched by the backend.
type devServer struct {
	svc        *sandbox.Service
	id         string
	key        string
	repository string
	command    string
	dir        string
	port       int
	url        string
	serverType string
	startedAt  time.Time
}

// DevServerInfo describes a running dev server.
type DevServerInfo struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository,omitempty"`
	Command    string    `json:"command"`
	WorkingDir string    `json:"workingDir"`
	Port       int       `json:"port"`
	URL        string    `json:"url"`
	ServerType string    `json:"serverType"`
	StartedAt  time.Time `json:"startedAt"`
	Uptime     int64     `json:"uptime"`
}

func (d *devServer) info(now time.Time) DevServerInfo {
	return DevServerInfo{
		ID:         d.id,
		Repository: d.repository,
		Command:    d.command,
		WorkingDir: d.dir,
		Port:       d.port,
		URL:        d.url,
		ServerType: d.serverType,
		StartedAt:  d.startedAt,
		Uptime:     int64(now.Sub(d.startedAt).Seconds()),
	}
}

func devServerKey(repository, dir string) string {
	if repository != "" {
		return SanitizeRepository(repository)
	}
	return dir
}
