package content

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestPreviewJoinsBlocksWithSingleSpace(t *testing.T) {
	raw := json.RawMessage(`{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]},
		{"type":"paragraph","content":[{"type":"text","text":"second"}]}
	]}`)

	preview := Preview(raw)
	if preview != "Hello world second" {
		t.Fatalf("unexpected preview %q", preview)
	}
}

func TestPreviewTruncatesAtMaxLength(t *testing.T) {
	long := strings.Repeat("a", PreviewMaxLength+20)
	preview := Preview(Paragraphs(long))
	if preview != strings.Repeat("a", PreviewMaxLength)+PreviewEllipsis {
		t.Fatalf("unexpected truncated preview %q", preview)
	}

	exact := strings.Repeat("b", PreviewMaxLength)
	if got := Preview(Paragraphs(exact)); got != exact {
		t.Fatalf("expected exact-length text to be kept, got %q", got)
	}
}

func TestPreviewCountsUTF16Units(t *testing.T) {
	// each emoji is two UTF-16 code units
	text := strings.Repeat("😀", 51)
	preview := Preview(Paragraphs(text))
	if preview != strings.Repeat("😀", 50)+PreviewEllipsis {
		t.Fatalf("unexpected preview for astral text: %q", preview)
	}
}

func TestPreviewDegradesOnUnknownShapes(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty-doc", raw: `{"type":"doc","content":[]}`, want: NoPreview},
		{name: "no-content", raw: `{"type":"doc"}`, want: NoPreview},
		{name: "number", raw: `42`, want: NoPreview},
		{name: "malformed", raw: `{"type":`, want: NoPreview},
		{name: "plain-string", raw: `"just text"`, want: "just text"},
		{name: "unknown-block", raw: `{"type":"doc","content":[{"type":"image","attrs":{"src":"x"}},{"type":"heading","content":[{"type":"text","text":"Title"}]}]}`, want: " Title"},
		{name: "non-object-children", raw: `{"type":"doc","content":[1,"two",{"type":"paragraph","content":[null,{"type":"text","text":"ok"},{"type":"hardBreak"}]}]}`, want: "  ok"},
		{name: "blocks-without-text", raw: `{"type":"doc","content":[{"type":"paragraph"},{"type":"horizontalRule"}]}`, want: NoPreview},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Preview(json.RawMessage(testCase.raw)); got != testCase.want {
				t.Fatalf("preview mismatch: got %q want %q", got, testCase.want)
			}
		})
	}
}

func TestNormalizeRequiresDocRoot(t *testing.T) {
	if _, err := Normalize(json.RawMessage(`{"type":"paragraph"}`)); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected invalid content error, got %v", err)
	}
	if _, err := Normalize(json.RawMessage(` `)); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected invalid content for empty payload, got %v", err)
	}
	if _, err := Normalize(json.RawMessage(`{"type":"doc","content":{}}`)); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected invalid content for non-list children, got %v", err)
	}

	normalized, err := Normalize(json.RawMessage("{ \"type\": \"doc\",\n \"content\": [ {\"type\":\"callout\"} ] }"))
	if err != nil {
		t.Fatalf("unexpected normalize error: %v", err)
	}
	if string(normalized) != `{"type":"doc","content":[{"type":"callout"}]}` {
		t.Fatalf("unexpected normalized payload %s", normalized)
	}
}

func TestParagraphsBuildsDocTree(t *testing.T) {
	raw := Paragraphs("one", "", "two")
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		t.Fatalf("failed to decode tree: %v", err)
	}
	if root.Type != NodeTypeDoc || len(root.Content) != 3 {
		t.Fatalf("unexpected tree %+v", root)
	}
	if root.Content[1].Content != nil {
		t.Fatalf("expected empty paragraph to carry no children")
	}
	if Preview(raw) != "one  two" {
		t.Fatalf("unexpected preview %q", Preview(raw))
	}
}
