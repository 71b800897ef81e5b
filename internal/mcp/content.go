package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentKind tags a ContentBlock.
type ContentKind int

const (
	// ContentOther is any block without a string text field (images,
	// resources, unknown types). Only its raw JSON is meaningful.
	ContentOther ContentKind = iota

	// ContentText is a block carrying a string text field.
	ContentText
)

// ContentBlock is a single content item in a tools/call result. The
// original JSON is kept in Raw whatever the kind.
type ContentBlock struct {
	Kind ContentKind
	Type string
	Text string
	Raw  json.RawMessage
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	raw, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	return ContentBlock{Kind: ContentText, Type: "text", Text: text, Raw: raw}
}

// UnmarshalJSON classifies the block by the presence of a string text
// field rather than by its declared type.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string          `json:"type"`
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*b = ContentBlock{
		Kind: ContentOther,
		Type: head.Type,
		Raw:  append(json.RawMessage(nil), data...),
	}

	text := bytes.TrimSpace(head.Text)
	if len(text) > 0 && text[0] == '"' {
		if err := json.Unmarshal(text, &b.Text); err == nil {
			b.Kind = ContentText
		}
	}
	return nil
}

// MarshalJSON reproduces the block as received.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	m := map[string]any{"type": b.Type}
	if b.Kind == ContentText {
		m["text"] = b.Text
	}
	return json.Marshal(m)
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text reduces the result to the single string handed back to the
// model: the text of the first block when it has one, otherwise an
// indented JSON rendering of every block.
func (r *CallToolResult) Text() string {
	if r == nil {
		return "[]"
	}

	switch {
	case len(r.Content) > 0 && r.Content[0].Kind == ContentText:
		return r.Content[0].Text
	default:
		blocks := r.Content
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		data, err := json.MarshalIndent(blocks, "", "  ")
		if err != nil {
			return fmt.Sprintf("[unrenderable content: %v]", err)
		}
		return string(data)
	}
}
