package sandbox

import (
	"regexp"
	"strings"
)

// BlockedPattern is one deny-list entry.
type BlockedPattern struct {
	Pattern     *regexp.Regexp
	Description string
}

// Guard is an ordered deny-list evaluated before any process is spawned.
type Guard struct {
	patterns []BlockedPattern
}

// defaultBlockedPatterns covers destructive filesystem operations, disk and
// mount manipulation, privilege escalation, killing by signal, power state
// changes, credential file reads and directory traversal.
var defaultBlockedPatterns = []BlockedPattern{
	{regexp.MustCompile(`(?i)\brm\s+-rf\s+/`), "recursive deletion from the filesystem root"},
	{regexp.MustCompile(`(?i)\bdd\s+if=`), "raw disk copy"},
	{regexp.MustCompile(`(?i)\bmkfs`), "filesystem formatting"},
	{regexp.MustCompile(`(?i)\bmount\b`), "mounting filesystems"},
	{regexp.MustCompile(`(?i)\bumount\b`), "unmounting filesystems"},
	{regexp.MustCompile(`(?i)\bpasswd\b`), "changing passwords"},
	{regexp.MustCompile(`(?i)(^|[;&|]\s*|\s)su\s`), "switching user"},
	{regexp.MustCompile(`(?i)\bsudo\b`), "privilege escalation"},
	{regexp.MustCompile(`(?i)\bkill\s+-9`), "killing processes by signal"},
	{regexp.MustCompile(`(?i)\bshutdown\b`), "shutting down the host"},
	{regexp.MustCompile(`(?i)\breboot\b`), "rebooting the host"},
	{regexp.MustCompile(`(?i)\bcurl\b.*/etc/shadow`), "exfiltrating the shadow file"},
	{regexp.MustCompile(`(?i)\bcat\b.*/etc/passwd`), "reading the passwd file"},
	{regexp.MustCompile(`\.\./`), "directory traversal"},
}

// NewGuard returns a Guard with the default deny-list plus any extra patterns.
func NewGuard(extra ...BlockedPattern) *Guard {
	patterns := make([]BlockedPattern, 0, len(defaultBlockedPatterns)+len(extra))
	patterns = append(patterns, defaultBlockedPatterns...)
	patterns = append(patterns, extra...)
	return &Guard{patterns: patterns}
}

// Check returns the description of the first matching pattern, or "" when
// the command is allowed.
func (g *Guard) Check(command string) string {
	command = strings.TrimSpace(command)
	for _, p := range g.patterns {
		if p.Pattern.MatchString(command) {
			return p.Description
		}
	}
	return ""
}

// Blocked reports whether the command matches any pattern.
func (g *Guard) Blocked(command string) bool {
	return g.Check(command) != ""
}

// Patterns returns the deny-list in evaluation order.
func (g *Guard) Patterns() []BlockedPattern {
	return g.patterns
}
