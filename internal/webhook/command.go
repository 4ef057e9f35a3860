package webhook

import (
	"regexp"
	"strings"
)

var commandPattern = regexp.MustCompile(`(?is)(?:^|\s)(@agent|/agent|@claude|/claude)\s+(\w+)(?:\s+(.*))?`)

// ExtractCommand finds the first "@agent <command> [content]" mention in text.
// The /agent, @claude and /claude prefixes are accepted too. The command is
// returned lowercased, the content trimmed.
func ExtractCommand(text string) (command, content string, ok bool) {
	m := commandPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[2]), strings.TrimSpace(m[3]), true
}
