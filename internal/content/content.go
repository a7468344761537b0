package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	// NodeTypeDoc is the root node type of every content tree.
	NodeTypeDoc = "doc"
	// NodeTypeParagraph is the minimal block node type.
	NodeTypeParagraph = "paragraph"
	// NodeTypeText is the inline leaf node type carrying text.
	NodeTypeText = "text"

	// PreviewMaxLength bounds previews, measured in UTF-16 code units.
	PreviewMaxLength = 100
	// PreviewEllipsis is appended to truncated previews.
	PreviewEllipsis = "..."
	// NoPreview is returned when a tree carries no text at all.
	NoPreview = "No preview available"
)

// ErrInvalidContent indicates a payload that is not a content tree.
var ErrInvalidContent = errors.New("content: invalid tree")

// Node is a single node of a content tree. Extra attributes are kept verbatim in the stored
// JSON; Node only decodes the fields the core relies on.
type Node struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content []Node `json:"content,omitempty"`
}

// Empty returns the tree stored for a freshly created document.
func Empty() json.RawMessage {
	return json.RawMessage(`{"type":"doc","content":[]}`)
}

// Paragraphs builds a doc tree holding one paragraph per argument.
func Paragraphs(texts ...string) json.RawMessage {
	root := Node{Type: NodeTypeDoc, Content: make([]Node, 0, len(texts))}
	for _, text := range texts {
		block := Node{Type: NodeTypeParagraph}
		if text != "" {
			block.Content = []Node{{Type: NodeTypeText, Text: text}}
		}
		root.Content = append(root.Content, block)
	}
	encoded, err := json.Marshal(root)
	if err != nil {
		return Empty()
	}
	return encoded
}

// Normalize checks that raw is a doc-rooted JSON object and returns its compacted form.
// Inner nodes are not validated so that unknown block and inline types pass through.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	var root map[string]any
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	nodeType, _ := root["type"].(string)
	if nodeType != NodeTypeDoc {
		return nil, fmt.Errorf("%w: root type %q", ErrInvalidContent, nodeType)
	}
	if children, present := root["content"]; present && children != nil {
		if _, ok := children.([]any); !ok {
			return nil, fmt.Errorf("%w: root content must be a list", ErrInvalidContent)
		}
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return json.RawMessage(compacted.Bytes()), nil
}

// Preview derives a short plain-text summary from stored content. It never fails: shapes it
// does not understand contribute nothing.
func Preview(raw json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return NoPreview
	}
	return PreviewValue(decoded)
}

// PreviewValue is Preview over an already decoded JSON value.
func PreviewValue(value any) string {
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return NoPreview
		}
		return truncate(typed)
	case map[string]any:
		blocks, ok := typed["content"].([]any)
		if !ok {
			return NoPreview
		}
		parts := make([]string, 0, len(blocks))
		hasText := false
		for _, block := range blocks {
			text := blockText(block)
			if text != "" {
				hasText = true
			}
			parts = append(parts, text)
		}
		if !hasText {
			return NoPreview
		}
		return truncate(strings.Join(parts, " "))
	default:
		return NoPreview
	}
}

func blockText(block any) string {
	node, ok := block.(map[string]any)
	if !ok {
		return ""
	}
	children, ok := node["content"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, child := range children {
		leaf, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := leaf["text"].(string); ok {
			builder.WriteString(text)
		}
	}
	return builder.String()
}

func truncate(text string) string {
	units := 0
	for index, r := range text {
		width := utf16.RuneLen(r)
		if width < 0 {
			width = 1
		}
		if units+width > PreviewMaxLength {
			return text[:index] + PreviewEllipsis
		}
		units += width
	}
	return text
}
