package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehrlich-b/chatndev/internal/filetree"
)

// Kind tags the shape of message content.
type Kind int

const (
	KindPlain       Kind = iota // JSON string
	KindPoem                    // {"poem": {"title", "author", "lines"}}
	KindText                    // {"text": "...", "fileTree"?: {...}}
	KindUnsupported             // anything else, kept verbatim
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindPoem:
		return "poem"
	case KindText:
		return "text"
	default:
		return "unsupported"
	}
}

// ErrNoContent is returned when a message carries null or no content.
var ErrNoContent = errors.New("message content is empty")

// Poem is the poem-shaped structured reply.
type Poem struct {
	Title  string   `json:"title"`
	Author string   `json:"author"`
	Lines  []string `json:"lines"`
}

// Content is message content resolved once at the transport boundary.
// The original bytes are kept so relaying never re-encodes what a client sent.
type Content struct {
	Kind     Kind
	Text     string        // KindPlain and KindText
	Poem     *Poem         // KindPoem
	FileTree filetree.Tree // KindText, optional
	raw      json.RawMessage
}

// Plain builds string content.
func Plain(s string) Content {
	raw, _ := json.Marshal(s)
	return Content{Kind: KindPlain, Text: s, raw: raw}
}

// Raw returns the JSON encoding of the content.
func (c Content) Raw() json.RawMessage { return c.raw }

// IsString reports whether the content arrived as a JSON string.
func (c Content) IsString() bool { return c.Kind == KindPlain }

// ParseContent classifies raw JSON content.
func ParseContent(raw json.RawMessage) (Content, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Content{}, ErrNoContent
	}
	c := Content{Kind: KindUnsupported, raw: append(json.RawMessage(nil), trimmed...)}

	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(trimmed, &c.Text); err != nil {
			return Content{}, fmt.Errorf("decode string content: %w", err)
		}
		c.Kind = KindPlain
		return c, nil
	case '{':
	default:
		return c, nil
	}

	var shape struct {
		Poem     *Poem           `json:"poem"`
		Text     *string         `json:"text"`
		FileTree json.RawMessage `json:"fileTree"`
	}
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		// Well-formed JSON of an unexpected shape stays an opaque bag.
		if json.Valid(trimmed) {
			return c, nil
		}
		return Content{}, fmt.Errorf("decode object content: %w", err)
	}
	switch {
	case shape.Poem != nil:
		c.Kind = KindPoem
		c.Poem = shape.Poem
	case shape.Text != nil:
		c.Kind = KindText
		c.Text = *shape.Text
		if len(shape.FileTree) > 0 && !bytes.Equal(shape.FileTree, []byte("null")) {
			tree, err := filetree.Parse(shape.FileTree)
			if err != nil {
				return Content{}, fmt.Errorf("decode fileTree: %w", err)
			}
			c.FileTree = tree
		}
	}
	return c, nil
}

// ParseReply turns generated text into content: a JSON object becomes a
// structured variant, anything else is plain text.
func ParseReply(text string) Content {
	trimmed := bytes.TrimSpace([]byte(text))
	trimmed = stripCodeFence(trimmed)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		if c, err := ParseContent(trimmed); err == nil {
			return c
		}
	}
	return Plain(text)
}

// stripCodeFence removes a surrounding ```json fence that models like to add.
func stripCodeFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) || !bytes.HasSuffix(b, []byte("```")) || len(b) < 6 {
		return b
	}
	inner := b[3 : len(b)-3]
	if nl := bytes.IndexByte(inner, '\n'); nl >= 0 {
		inner = inner[nl+1:]
	}
	return bytes.TrimSpace(inner)
}

// MarshalJSON writes the original bytes.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// UnmarshalJSON resolves the variant.
func (c *Content) UnmarshalJSON(data []byte) error {
	parsed, err := ParseContent(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
