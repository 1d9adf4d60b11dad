// Package detector recognizes, from streaming process output, that a
// long-running development server has started and which port it listens on.
//
// Detection is heuristic. The pattern table is ordered and can be extended
// with New; nothing outside this package depends on its contents.
package detector

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	minPort = 1000
	maxPort = 65535
)

// Detection is the result of scanning one chunk of output.
// Port is 0 when a server phrase matched but no usable port was found.
type Detection struct {
	Detected bool `json:"detected"`
	Port     int  `json:"port,omitempty"`
}

// port is a non-greedy capture of a 4-5 digit port number.
const port = `([0-9]{4,5})`

// defaultPatterns are "server is up" phrasings, most specific first.
var defaultPatterns = []*regexp.Regexp{
	// Explicit URLs first: they carry the most reliable port.
	regexp.MustCompile(`(?i)serving at\s*https?://[^\s:/]+:` + port),
	regexp.MustCompile(`(?i)is available at:?\s*https?://[^\s:/]+:` + port),
	regexp.MustCompile(`(?i)local:\s*https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):` + port),
	regexp.MustCompile(`(?i)next.*ready.*https?://localhost:` + port),

	// Vue, Angular, Vite.
	regexp.MustCompile(`(?i)vue.*app.*running.*?` + port),
	regexp.MustCompile(`(?i)dev server running at.*?` + port),
	regexp.MustCompile(`(?i)angular.*live.*development.*server.*?` + port),
	regexp.MustCompile(`(?i)ng serve.*?` + port),

	// Python.
	regexp.MustCompile(`(?i)django.*development server.*?` + port),
	regexp.MustCompile(`(?i)starting development server at.*?` + port),
	regexp.MustCompile(`(?i)flask.*running.*?` + port),
	regexp.MustCompile(`(?i)uvicorn running on.*?` + port),
	regexp.MustCompile(`(?i)fastapi.*uvicorn.*?` + port),
	regexp.MustCompile(`(?i)jupyter.*token.*?` + port),

	// Go, Java.
	regexp.MustCompile(`(?i)gin.*listening.*?` + port),
	regexp.MustCompile(`(?i)echo.*server.*started.*?` + port),
	regexp.MustCompile(`(?i)tomcat.*started.*?` + port),
	regexp.MustCompile(`(?i)spring.*started.*?` + port),

	// Ruby, PHP.
	regexp.MustCompile(`(?i)puma.*starting.*?` + port),
	regexp.MustCompile(`(?i)rails.*server.*?` + port),
	regexp.MustCompile(`(?i)php.*development server.*?` + port),
	regexp.MustCompile(`(?i)laravel.*development server.*?` + port),

	// Rust.
	regexp.MustCompile(`(?i)actix.*starting.*?` + port),
	regexp.MustCompile(`(?i)rocket.*listening.*?` + port),

	// Generic phrasings, after the framework banners so a framework's own
	// line wins when both appear in one chunk.
	regexp.MustCompile(`(?i)server.*running.*(?:port|on).*?` + port),
	regexp.MustCompile(`(?i)listening.*(?:port|on).*?` + port),
	regexp.MustCompile(`(?i)started.*server.*?` + port),
	regexp.MustCompile(`(?i)serving.*(?:port|on).*?` + port),
	regexp.MustCompile(`(?i)available.*(?:port|on).*?` + port),

	// Portless phrasings rely on the :NNNN fallback.
	regexp.MustCompile(`(?i)webpack.*compiled.*successfully`),
	regexp.MustCompile(`(?i)react.*app.*available`),
	regexp.MustCompile(`(?i)vite.*local`),
	regexp.MustCompile(`(?i)flutter.*web.*server`),
	regexp.MustCompile(`(?i)flutter.*run.*web`),
	regexp.MustCompile(`(?i)webpack.*dev.*server`),
	regexp.MustCompile(`(?i)parcel.*server`),
}

// processID matches a bracketed PID such as uvicorn's
// "Started server process [12345]", which must never be read as a port.
var processID = regexp.MustCompile(`\[[0-9]+\]`)

// fallbackPort finds a standalone :NNNN token.
var fallbackPort = regexp.MustCompile(`:([0-9]{4,5})\b`)

// Detector scans output chunks against an ordered pattern list.
// It holds no per-stream state and is safe for concurrent use.
type Detector struct {
	patterns []*regexp.Regexp
}

// New returns a Detector with the default patterns followed by extra.
func New(extra ...*regexp.Regexp) *Detector {
	p := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extra))
	p = append(p, defaultPatterns...)
	p = append(p, extra...)
	return &Detector{patterns: p}
}

// Scan reports whether chunk announces a running server. When the matching
// phrase has no port capture, any :NNNN token in 1000-65535 is used; if
// there is none the detection carries port 0.
func (d *Detector) Scan(chunk string) Detection {
	chunk = processID.ReplaceAllString(chunk, "[]")
	for _, re := range d.patterns {
		m := re.FindStringSubmatch(chunk)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			if p, ok := parsePort(m[1]); ok {
				return Detection{Detected: true, Port: p}
			}
		}
		return Detection{Detected: true, Port: scanFallback(chunk)}
	}
	return Detection{}
}

func scanFallback(chunk string) int {
	for _, m := range fallbackPort.FindAllStringSubmatch(chunk, -1) {
		if p, ok := parsePort(m[1]); ok {
			return p
		}
	}
	return 0
}

func parsePort(s string) (int, bool) {
	p, err := strconv.Atoi(s)
	if err != nil || p < minPort || p > maxPort {
		return 0, false
	}
	return p, true
}

// serverTypes maps keywords to labels and the port each framework listens
// on when none is given. An entry matches when any keyword in any, or every
// keyword in all, appears. First match wins.
var serverTypes = []struct {
	label string
	port  int
	any   []string
	all   []string
}{
	{label: "Next.js", port: 3000, any: []string{"next dev", "next start", "next.js", "nextjs"}},
	{label: "React", port: 3000, any: []string{"react", "create-react-app", "react-scripts"}},
	{label: "Nuxt.js", port: 3000, any: []string{"nuxt"}},
	{label: "Vue.js", port: 8080, any: []string{"vue", "@vue/cli"}},
	{label: "Angular", port: 4200, any: []string{"angular", "ng serve"}},
	{label: "Django", port: 8000, any: []string{"django", "manage.py"}},
	{label: "Flask", port: 5000, any: []string{"flask"}},
	{label: "FastAPI", port: 8000, any: []string{"fastapi", "uvicorn"}},
	{label: "Jupyter", port: 8888, any: []string{"jupyter"}},
	{label: "Streamlit", port: 8501, any: []string{"streamlit"}},
	{label: "Express.js", port: 3000, any: []string{"express"}},
	{label: "Express.js", port: 3000, all: []string{"node", "server"}},
	{label: "Flutter Web", port: 8080, all: []string{"flutter", "web"}},
	{label: "Ruby on Rails", port: 3000, any: []string{"rails"}},
	{label: "Laravel", port: 8000, any: []string{"laravel", "artisan"}},
	{label: "Spring Boot", port: 8080, any: []string{"spring"}},
	{label: "Go Web Server", port: 8080, any: []string{"[gin", "gin-gonic", "echo server", "go run"}},
	{label: "Rust Web Server", port: 8080, any: []string{"actix", "rocket", "cargo run"}},
	{label: "Webpack Dev Server", port: 8080, any: []string{"webpack"}},
	{label: "Vite", port: 5173, any: []string{"vite"}},
	{label: "Parcel", port: 1234, any: []string{"parcel"}},
	{label: "Gatsby", port: 8000, any: []string{"gatsby"}},
}

// DefaultServerType is the label used when nothing more specific matches.
const DefaultServerType = "Web Server"

// ClassifyServerType labels a server from its output and launch command.
// The label is informational only.
func ClassifyServerType(output, command string) string {
	text := strings.ToLower(output + " " + command)
	for _, st := range serverTypes {
		if len(st.all) > 0 && containsAll(text, st.all) {
			return st.label
		}
		if containsAny(text, st.any) {
			return st.label
		}
	}
	return DefaultServerType
}

// DefaultPort returns the port a server of the given type listens on when
// started without one, or 0 for an unknown type.
func DefaultPort(serverType string) int {
	for _, st := range serverTypes {
		if st.label == serverType {
			return st.port
		}
	}
	return 0
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// URLPatterns match the URL a dev server prints once it is ready.
var URLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`A web server for Flutter web application is available at:\s*(https?://\S+)`),
	regexp.MustCompile(`(?i)Serving at\s*(https?://\S+)`),
	regexp.MustCompile(`(https?://localhost:\d+)`),
	regexp.MustCompile(`(https?://127\.0\.0\.1:\d+)`),
	regexp.MustCompile(`(https?://0\.0\.0\.0:\d+)`),
}

// ExtractURL returns the first server URL found in output.
func ExtractURL(output string) string {
	for _, re := range URLPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			return strings.TrimRight(m[1], ".,;")
		}
	}
	return ""
}
