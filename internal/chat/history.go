package chat

import (
	"encoding/json"
	"regexp"
	"strings"

	"relaychat/internal/logging"
	"relaychat/internal/stream"
)

// Assistant replies may arrive in several encodings: a JSON object with
// think/answer fields, <think>/<answer> tag pairs, or a loose
// "Answer:"-style prefix. History building needs the plain answer text.
var (
	thinkBlockRE     = regexp.MustCompile(`(?is)<\s*think\b[^>]*>.*?<\s*/\s*think\s*>`)
	thinkWrapperRE   = regexp.MustCompile(`(?i)</?\s*think\b[^>]*>`)
	answerTagRE      = regexp.MustCompile(`(?i)</?\s*answer\b[^>]*>`)
	answerSpanRE     = regexp.MustCompile(`(?is)<\s*answer\b[^>]*>(.*?)<\s*/\s*answer\s*>`)
	fallbackAnswerRE = regexp.MustCompile(`(?is)(?:Answer|Final Answer|Response|Solution):\s*(.*)`)
)

const thinkCloseTag = "</think>"

// ParsedResponse is an assistant reply split into its reasoning and the
// visible answer.
type ParsedResponse struct {
	Reasoning string
	Answer    string
}

// ParseResponse splits raw assistant text into reasoning and answer,
// tolerating every encoding the backends have shipped.
func ParseResponse(text string) ParsedResponse {
	if text == "" {
		return ParsedResponse{}
	}
	if think, answer, ok := parseStructuredJSON(text); ok {
		return ParsedResponse{
			Reasoning: strings.TrimSpace(thinkWrapperRE.ReplaceAllString(think, "")),
			Answer:    sanitizeAnswer(answer),
		}
	}

	var answer, reasoning string
	if spans := answerSpanRE.FindAllStringSubmatchIndex(text, -1); len(spans) > 0 {
		last := spans[len(spans)-1]
		answer = strings.TrimSpace(text[last[2]:last[3]])
		if open := strings.Index(text, "<think"); open != -1 && open < last[0] {
			reasoning = text[open:last[0]]
		}
	}
	if answer == "" {
		if m := fallbackAnswerRE.FindStringSubmatch(text); m != nil {
			answer = strings.TrimSpace(m[1])
		} else {
			answer = strings.TrimSpace(answerTagRE.ReplaceAllString(thinkBlockRE.ReplaceAllString(text, ""), ""))
		}
	}
	if reasoning == "" {
		open := strings.Index(text, "<think")
		closed := strings.LastIndex(strings.ToLower(text), thinkCloseTag)
		if open != -1 && closed != -1 && closed > open {
			reasoning = text[open : closed+len(thinkCloseTag)]
		}
	}
	return ParsedResponse{
		Reasoning: strings.TrimSpace(thinkWrapperRE.ReplaceAllString(reasoning, "")),
		Answer:    sanitizeAnswer(answer),
	}
}

// ExtractAnswer returns only the visible answer from raw assistant text.
func ExtractAnswer(text string) string {
	return ParseResponse(text).Answer
}

func parseStructuredJSON(text string) (think, answer string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return "", "", false
	}
	last := strings.LastIndex(trimmed, "}")
	if last == -1 {
		return "", "", false
	}
	var parsed struct {
		Think  *string `json:"think"`
		Answer *string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(trimmed[:last+1]), &parsed); err != nil {
		return "", "", false
	}
	if parsed.Think == nil || parsed.Answer == nil {
		return "", "", false
	}
	return *parsed.Think, *parsed.Answer, true
}

// sanitizeAnswer strips any reasoning that leaked into the answer text.
// Everything before the last closing think tag is reasoning by definition.
func sanitizeAnswer(text string) string {
	if text == "" {
		return ""
	}
	if idx := strings.LastIndex(strings.ToLower(text), thinkCloseTag); idx != -1 {
		text = text[idx+len(thinkCloseTag):]
	}
	text = thinkBlockRE.ReplaceAllString(text, "")
	text = thinkWrapperRE.ReplaceAllString(text, "")
	text = answerTagRE.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// HistoryBuilder turns a merged conversation into the sanitized role and
// content list sent as backend context. System entries lead, placeholders
// and errored messages are dropped, and assistant entries carry only the
// extracted answer.
type HistoryBuilder struct {
	SystemPrompt string
}

// Build produces the history payload for the given messages.
func (b HistoryBuilder) Build(messages []Message) []stream.HistoryEntry {
	var system, rest []stream.HistoryEntry
	if prompt := strings.TrimSpace(b.SystemPrompt); prompt != "" {
		system = append(system, stream.HistoryEntry{Role: string(RoleSystem), Content: prompt})
	}

	for _, msg := range messages {
		if msg.IsPlaceholder || msg.Status == StatusError {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			if content := strings.TrimSpace(msg.Content); content != "" {
				system = append(system, stream.HistoryEntry{Role: string(RoleSystem), Content: content})
			}
		case RoleUser:
			if content := strings.TrimSpace(msg.Content); content != "" {
				rest = append(rest, stream.HistoryEntry{Role: string(RoleUser), Content: content})
			}
		case RoleAssistant:
			answer := strings.TrimSpace(ExtractAnswer(msg.Content))
			if answer == "" {
				answer = strings.TrimSpace(msg.Content)
			}
			if answer != "" {
				rest = append(rest, stream.HistoryEntry{Role: string(RoleAssistant), Content: answer})
			}
		}
	}

	out := append(system, rest...)
	logging.HistoryDebug("built history: %d entries from %d messages", len(out), len(messages))
	return out
}
