package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxExtractedCommands caps commands recovered from a free-text reply.
const maxExtractedCommands = 3

// Plan is the model's answer for one iteration.
type Plan struct {
	Completed bool     `json:"completed"`
	Result    string   `json:"result,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Actions   []Action `json:"actions,omitempty"`
}

var (
	jsonFence = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```")
	bareFence = regexp.MustCompile("(?s)```\\s*\\n(.*?)\\n\\s*```")
)

// commandLine patterns are tried in order against each line of a free-text
// reply; the first match wins.
var commandLine = []*regexp.Regexp{
	regexp.MustCompile("`([^`]+)`"),
	regexp.MustCompile(`\$ (.+)`),
	regexp.MustCompile(`(?i)run: (.+)`),
	regexp.MustCompile(`(?i)execute: (.+)`),
}

// ParsePlan reads a structured plan from reply. It tries a ```json fence,
// then a bare fence, then the whole reply as JSON. When none parses, up to
// three command-like substrings are extracted as non-critical commands.
func ParsePlan(reply string) Plan {
	candidate := reply
	if m := jsonFence.FindStringSubmatch(reply); m != nil {
		candidate = m[1]
	} else if m := bareFence.FindStringSubmatch(reply); m != nil {
		candidate = m[1]
	}

	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &plan); err == nil {
		return plan
	}

	cmds := ExtractCommands(reply)
	plan = Plan{Reasoning: "Extracted from text analysis"}
	for _, c := range cmds {
		plan.Actions = append(plan.Actions, Action{
			Type:      ActionCommand,
			Command:   c,
			Reasoning: "Extracted from model reply",
		})
	}
	return plan
}

// ExtractCommands pulls command-like substrings out of free text: backtick
// spans, "$ cmd" lines, and "Run:" or "Execute:" prefixes.
func ExtractCommands(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		for _, re := range commandLine {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			c := strings.TrimSpace(m[1])
			if c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
			break
		}
		if len(out) >= maxExtractedCommands {
			break
		}
	}
	return out
}

const systemPrompt = `You are an autonomous software agent working inside a user's Linux workspace.
You act only through the actions listed in the response format. Reply with JSON only.`

// buildPrompt renders the task, the environment and the transcript so far.
func buildPrompt(task, cwd, repository string, steps []Step) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**AUTONOMOUS AGENT TASK**\nOriginal Task: %q\n\n", task)
	sb.WriteString("**Current Environment:**\n")
	fmt.Fprintf(&sb, "- Working Directory: %s\n", cwd)
	if repository != "" {
		fmt.Fprintf(&sb, "- Repository: %s\n", repository)
	}

	sb.WriteString("\n**Previous Steps Executed:**\n")
	if len(steps) == 0 {
		sb.WriteString("None\n")
	}
	for i, st := range steps {
		outcome := "SUCCESS"
		if !st.Result.Success {
			outcome = "FAILED"
		}
		target := st.Command
		if target == "" {
			target = st.Path
		}
		fmt.Fprintf(&sb, "%d. %s: %s -> %s\n", i+1, st.Action, target, outcome)
		if !st.Result.Success && st.Result.Error != "" {
			fmt.Fprintf(&sb, "   error: %s\n", truncate(st.Result.Error, 300))
		}
	}

	sb.WriteString(`
**Your Instructions:**
Analyze the task and current progress. Plan the next action(s) to move closer to completing the original task.

**Response Format (JSON):**
{
  "completed": false,
  "reasoning": "Why this step is necessary...",
  "actions": [
    {
      "type": "command|create_file|analyze",
      "command": "exact command to execute",
      "path": "file path for create_file",
      "content": "file content for create_file",
      "reasoning": "why this action is needed",
      "critical": true
    }
  ]
}

If the task is complete, return:
{
  "completed": true,
  "result": "Final result description"
}

Focus on practical, executable steps. Be specific with file paths and commands.`)
	return sb.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
