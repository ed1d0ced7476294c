package models

import (
	"encoding/json"
	"strings"
)

// Role indicates the author type of a provider message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType identifies a content element inside a provider message.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentImageURL    ContentType = "image_url"
	ContentImageBase64 ContentType = "image_base64"
)

// ContentElement is one part of a multimodal message content list.
type ContentElement struct {
	Type        ContentType `json:"type"`
	Text        string      `json:"text,omitempty"`
	ImageURL    string      `json:"image_url,omitempty"`
	ImageBase64 string      `json:"image_base64,omitempty"`
}

// TextElement builds a text content element.
func TextElement(text string) ContentElement {
	return ContentElement{Type: ContentText, Text: text}
}

// ImageURLElement builds an image-by-URL content element.
func ImageURLElement(url string) ContentElement {
	return ContentElement{Type: ContentImageURL, ImageURL: url}
}

// FunctionCall is the function name and raw JSON arguments of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an LLM request to invoke a tool. The ID must be preserved
// across the assistant -> tool round trip.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one record in a conversation history.
//
// Content carries plain text; ContentParts carries a multimodal content
// list. At most one of the two is set.
type Message struct {
	Role         Role             `json:"role"`
	Content      string           `json:"content,omitempty"`
	ContentParts []ContentElement `json:"content_parts,omitempty"`
	ToolCalls    []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID   string           `json:"tool_call_id,omitempty"`
}

// ReadableText flattens the message content into plain text, ignoring
// non-text elements.
func (m *Message) ReadableText() string {
	if m.Content != "" {
		return m.Content
	}
	var sb strings.Builder
	for _, part := range m.ContentParts {
		if part.Type == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	out := *m
	if m.ContentParts != nil {
		out.ContentParts = make([]ContentElement, len(m.ContentParts))
		copy(out.ContentParts, m.ContentParts)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// Prompt is a named set of system instructions.
type Prompt struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Clone returns a deep copy of the prompt.
func (p *Prompt) Clone() Prompt {
	out := Prompt{Name: p.Name}
	out.Messages = make([]Message, 0, len(p.Messages))
	for i := range p.Messages {
		out.Messages = append(out.Messages, p.Messages[i].Clone())
	}
	return out
}

// MarshalHistory serializes a message history for persistence.
func MarshalHistory(messages []Message) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MarshalTokenCounts serializes the per-turn token counts for
// persistence.
func MarshalTokenCounts(counts []int) (string, error) {
	data, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalTokenCounts deserializes persisted token counts.
func UnmarshalTokenCounts(data string) ([]int, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var counts []int
	if err := json.Unmarshal([]byte(data), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// UnmarshalHistory deserializes a persisted message history.
func UnmarshalHistory(data string) ([]Message, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var messages []Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
