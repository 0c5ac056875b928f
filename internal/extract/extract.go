// Package extract locates user and assistant text inside chat request and
// response payloads. Every function returns "" rather than an error when the
// payload has an unrecognised shape.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const roleUser = openai.ChatMessageRoleUser

type inputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserText finds the user utterance in an outgoing request body. It tries a
// string "input", then an "input" message array, then a "messages" array.
func UserText(body []byte) string {
	var payload struct {
		Input    json.RawMessage `json:"input"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if s, ok := asString(payload.Input); ok {
		return strings.TrimSpace(s)
	}
	if s := fromInputArray(payload.Input); s != "" {
		return s
	}
	return fromChatMessages(payload.Messages)
}

func fromInputArray(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msgs []inputMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != roleUser {
			continue
		}
		if s := contentText(msgs[i].Content); s != "" {
			return s
		}
	}
	return ""
}

func contentText(raw json.RawMessage) string {
	if s, ok := asString(raw); ok {
		return strings.TrimSpace(s)
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	for _, p := range parts {
		if isTextPart(p.Type) && strings.TrimSpace(p.Text) != "" {
			return strings.TrimSpace(p.Text)
		}
	}
	return ""
}

func fromChatMessages(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msgs []openai.ChatCompletionMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		// fall back to the loose shape when a message carries unknown part types
		return fromInputArray(raw)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != roleUser {
			continue
		}
		if s := strings.TrimSpace(m.Content); s != "" {
			return s
		}
		for _, p := range m.MultiContent {
			if isTextPart(string(p.Type)) && strings.TrimSpace(p.Text) != "" {
				return strings.TrimSpace(p.Text)
			}
		}
	}
	return ""
}

func isTextPart(t string) bool {
	return t == string(openai.ChatMessagePartTypeText) || t == "input_text"
}

// ResponseText extracts the assistant reply from a non-streamed response body.
// Bodies that are not JSON are returned verbatim.
func ResponseText(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if !json.Valid(trimmed) {
		return string(trimmed)
	}
	if s := textValue(trimmed); s != "" {
		return s
	}
	if s := outputText(trimmed); s != "" {
		return s
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(trimmed, &resp); err == nil {
		var sb strings.Builder
		for _, c := range resp.Choices {
			sb.WriteString(c.Message.Content)
		}
		return sb.String()
	}
	return ""
}

// Fragment extracts one streamed text fragment from a JSON event payload:
// output_text (string or array), delta.text, then chat-completion chunk deltas.
func Fragment(obj []byte) string {
	if s := textValue(obj); s != "" {
		return s
	}
	if s := outputText(obj); s != "" {
		return s
	}
	var ev struct {
		Delta json.RawMessage `json:"delta"`
	}
	if err := json.Unmarshal(obj, &ev); err != nil {
		return ""
	}
	if len(ev.Delta) > 0 {
		var d struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Delta, &d); err == nil && d.Text != "" {
			return d.Text
		}
		if s, ok := asString(ev.Delta); ok {
			return s
		}
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(obj, &chunk); err == nil {
		var sb strings.Builder
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
		}
		return sb.String()
	}
	return ""
}

func outputText(obj []byte) string {
	var v struct {
		OutputText json.RawMessage `json:"output_text"`
	}
	if err := json.Unmarshal(obj, &v); err != nil {
		return ""
	}
	return textValue(v.OutputText)
}

// textValue accepts a JSON string or an array of strings.
func textValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s, ok := asString(raw); ok {
		return s
	}
	if raw[0] != '[' {
		return ""
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "")
	}
	return ""
}

// ThreadID reports the conversation identifier carried by a request payload, if any.
func ThreadID(body []byte) string {
	var v struct {
		ThreadID       string          `json:"thread_id"`
		ThreadIDCamel  string          `json:"threadId"`
		ConversationID string          `json:"conversation_id"`
		Conversation   json.RawMessage `json:"conversation"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	for _, s := range []string{v.ThreadID, v.ThreadIDCamel, v.ConversationID} {
		if s != "" {
			return s
		}
	}
	if s, ok := asString(v.Conversation); ok {
		return s
	}
	return ""
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
