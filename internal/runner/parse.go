package runner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxToolResult = 2000

// Line is the decoded form of one stream-json output line.
type Line struct {
	// Chunks are appended to the task output and streamed to subscribers.
	Chunks []string
	// Clean is assistant text only, without tool chatter.
	Clean string
	// Delta is partial assistant text. The complete assistant message that
	// follows repeats it.
	Delta string
	// Tools holds the tool chunks of an assistant message, in order.
	Tools []string
	// Err is an error reported by the CLI itself.
	Err   string
	Usage *Usage
}

type Usage struct {
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

type streamLine struct {
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	Error        string          `json:"error"`
	Message      *streamMessage  `json:"message"`
	Event        *streamEvent    `json:"event"`
	Result       string          `json:"result"`
	IsError      bool            `json:"is_error"`
	TotalCostUSD *float64        `json:"total_cost_usd"`
	CostUSD      *float64        `json:"cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   map[string]any  `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// ParseLine decodes one line of `--output-format stream-json` output. Lines
// that are not JSON are passed through as a single chunk.
func ParseLine(raw string) Line {
	raw = strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return Line{}
	}
	var msg streamLine
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Line{Chunks: []string{raw + "\n"}}
	}

	var line Line
	switch msg.Type {
	case "init", "content":
		if text := rawText(msg.Content); text != "" {
			line.Chunks = append(line.Chunks, text)
		}

	case "assistant":
		if msg.Message == nil {
			break
		}
		var clean strings.Builder
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if msg.Error != "" {
					line.Err = fmt.Sprintf("%s (error type: %s)", block.Text, msg.Error)
					continue
				}
				line.Chunks = append(line.Chunks, block.Text)
				clean.WriteString(block.Text)
			case "tool_use":
				tool := toolUse(block)
				line.Chunks = append(line.Chunks, tool)
				line.Tools = append(line.Tools, tool)
			}
		}
		line.Clean = clean.String()

	case "user":
		if msg.Message == nil {
			break
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			text := rawText(block.Content)
			if text == "" {
				continue
			}
			text = truncate(Sanitize(text), maxToolResult)
			if block.IsError {
				line.Chunks = append(line.Chunks, "[TOOL ERROR] "+text+"\n")
			} else {
				line.Chunks = append(line.Chunks, "[TOOL RESULT]\n"+text+"\n")
			}
		}

	case "stream_event":
		if msg.Event != nil && msg.Event.Type == "content_block_delta" &&
			msg.Event.Delta.Type == "text_delta" && msg.Event.Delta.Text != "" {
			line.Chunks = append(line.Chunks, msg.Event.Delta.Text)
			line.Delta = msg.Event.Delta.Text
		}

	case "message":
		if text := rawText(msg.Content); text != "" {
			if msg.Role != "" {
				line.Chunks = append(line.Chunks, fmt.Sprintf("[%s]: %s\n", msg.Role, text))
			} else {
				line.Chunks = append(line.Chunks, text+"\n")
			}
		}

	case "result":
		usage := &Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
		switch {
		case msg.TotalCostUSD != nil:
			usage.CostUSD = *msg.TotalCostUSD
		case msg.CostUSD != nil:
			usage.CostUSD = *msg.CostUSD
		}
		line.Usage = usage
		if msg.Result != "" {
			if msg.IsError {
				line.Err = msg.Result
			} else {
				line.Chunks = append(line.Chunks, msg.Result)
			}
		}
	}
	return line
}

func toolUse(block contentBlock) string {
	name := block.Name
	if name == "" {
		name = "unknown"
	}
	out := "\n[TOOL] Using " + name + "\n"
	if cmd, ok := block.Input["command"]; ok {
		out += fmt.Sprintf("  Command: %v\n", cmd)
	} else if desc, ok := block.Input["description"]; ok {
		out += fmt.Sprintf("  %v\n", desc)
	}
	return out
}

// rawText accepts a JSON string or an array of {"type":"text"} blocks.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			b.WriteString(block.Text)
		}
		return b.String()
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "... [truncated]"
}

var sensitivePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(JIRA_API_TOKEN|JIRA_EMAIL|GITHUB_TOKEN|GH_TOKEN|SLACK_BOT_TOKEN|[A-Z_]*WEBHOOK_SECRET)\s*=\s*(\S+)`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(Authorization:\s*(?:Bearer|Basic)\s+)(\S+)`), "${1}***REDACTED***"},
	{regexp.MustCompile(`(?i)(password|passwd|api_key|apikey|access_token|refresh_token|secret|token)(["']?\s*[:=]\s*["']?)([^"'\s]+)`), "${1}${2}***REDACTED***"},
}

// Sanitize redacts credentials that tools may print.
func Sanitize(s string) string {
	for _, p := range sensitivePatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
