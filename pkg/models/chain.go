package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChainElement is one typed element of a platform message chain.
type ChainElement interface {
	ElementType() string
}

// Plain is a text segment.
type Plain struct {
	Text string `json:"text"`
}

func (Plain) ElementType() string { return "Plain" }

// Image is a picture, carried as a URL, base64 payload, or local path.
type Image struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (Image) ElementType() string { return "Image" }

// At mentions a single group member.
type At struct {
	Target int64 `json:"target"`
}

func (At) ElementType() string { return "At" }

// AtAll mentions everyone in a group.
type AtAll struct{}

func (AtAll) ElementType() string { return "AtAll" }

// Quote references a previous message being replied to.
type Quote struct {
	MessageID int64        `json:"message_id"`
	SenderID  int64        `json:"sender_id"`
	Origin    MessageChain `json:"origin,omitempty"`
}

func (Quote) ElementType() string { return "Quote" }

// File is a file attachment.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func (File) ElementType() string { return "File" }

// Forward is a merged-forward container holding nested messages.
type Forward struct {
	Nodes []ForwardNode `json:"nodes"`
}

func (Forward) ElementType() string { return "Forward" }

// ForwardNode is one message inside a Forward container.
type ForwardNode struct {
	SenderID   int64        `json:"sender_id"`
	SenderName string       `json:"sender_name,omitempty"`
	Chain      MessageChain `json:"chain"`
	Time       int64        `json:"time,omitempty"`
}

// Source carries the platform message id and timestamp.
type Source struct {
	ID   int64 `json:"id"`
	Time int64 `json:"time"`
}

func (Source) ElementType() string { return "Source" }

// MessageChain is an ordered sequence of chain elements.
type MessageChain []ChainElement

// NewPlainChain builds a chain holding a single text segment.
func NewPlainChain(text string) MessageChain {
	return MessageChain{Plain{Text: text}}
}

// String renders the chain as human-readable text. Non-text elements
// render as short placeholders, mirroring how platforms display them.
func (c MessageChain) String() string {
	var sb strings.Builder
	for _, el := range c {
		switch e := el.(type) {
		case Plain:
			sb.WriteString(e.Text)
		case Image:
			sb.WriteString("[图片]")
		case At:
			sb.WriteString(fmt.Sprintf("@%d", e.Target))
		case AtAll:
			sb.WriteString("@全体成员")
		case File:
			sb.WriteString(fmt.Sprintf("[文件:%s]", e.Name))
		case Forward:
			sb.WriteString("[聊天记录]")
		}
	}
	return sb.String()
}

// PlainText concatenates only the Plain segments.
func (c MessageChain) PlainText() string {
	var sb strings.Builder
	for _, el := range c {
		if p, ok := el.(Plain); ok {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasAt reports whether the chain mentions the given target.
func (c MessageChain) HasAt(target int64) bool {
	for _, el := range c {
		if at, ok := el.(At); ok && at.Target == target {
			return true
		}
	}
	return false
}

// RemoveAt returns a copy of the chain with mentions of target removed.
func (c MessageChain) RemoveAt(target int64) MessageChain {
	out := make(MessageChain, 0, len(c))
	for _, el := range c {
		if at, ok := el.(At); ok && at.Target == target {
			continue
		}
		out = append(out, el)
	}
	return out
}

// Quote returns the quote element if the chain carries one.
func (c MessageChain) Quote() (Quote, bool) {
	for _, el := range c {
		if q, ok := el.(Quote); ok {
			return q, true
		}
	}
	return Quote{}, false
}

// TrimPlainPrefix strips prefix from the first Plain segment when it
// starts with it, returning the modified chain and whether it matched.
func (c MessageChain) TrimPlainPrefix(prefix string) (MessageChain, bool) {
	for i, el := range c {
		p, ok := el.(Plain)
		if !ok {
			continue
		}
		text := strings.TrimSpace(p.Text)
		if !strings.HasPrefix(text, prefix) {
			return c, false
		}
		out := make(MessageChain, len(c))
		copy(out, c)
		out[i] = Plain{Text: strings.TrimSpace(strings.TrimPrefix(text, prefix))}
		return out, true
	}
	return c, false
}

// Copy returns a shallow copy of the chain.
func (c MessageChain) Copy() MessageChain {
	out := make(MessageChain, len(c))
	copy(out, c)
	return out
}

// MarshalJSON writes each element with a "type" discriminator so the
// chain survives a round trip through storage or the wire.
func (c MessageChain) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(c))
	for _, el := range c {
		body, err := json.Marshal(el)
		if err != nil {
			return nil, err
		}
		tagged := map[string]any{}
		if err := json.Unmarshal(body, &tagged); err != nil {
			return nil, err
		}
		tagged["type"] = el.ElementType()
		out = append(out, tagged)
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the typed elements from their "type" tags.
func (c *MessageChain) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(MessageChain, 0, len(raw))
	for _, item := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return err
		}
		var el ChainElement
		var err error
		switch head.Type {
		case "Plain":
			var v Plain
			err = json.Unmarshal(item, &v)
			el = v
		case "Image":
			var v Image
			err = json.Unmarshal(item, &v)
			el = v
		case "At":
			var v At
			err = json.Unmarshal(item, &v)
			el = v
		case "AtAll":
			el = AtAll{}
		case "Quote":
			var v Quote
			err = json.Unmarshal(item, &v)
			el = v
		case "File":
			var v File
			err = json.Unmarshal(item, &v)
			el = v
		case "Forward":
			var v Forward
			err = json.Unmarshal(item, &v)
			el = v
		case "Source":
			var v Source
			err = json.Unmarshal(item, &v)
			el = v
		default:
			return fmt.Errorf("unknown chain element type %q", head.Type)
		}
		if err != nil {
			return err
		}
		out = append(out, el)
	}
	*c = out
	return nil
}
