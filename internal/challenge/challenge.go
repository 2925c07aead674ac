// Package challenge defines flashcard prompt templates, the stable
// identifiers that address individual prompts, and the codec registry that
// round-trips templates through their (type tag, raw value) form.
package challenge

import (
	"fmt"
	"strings"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/markdown"
	"github.com/starford/perthro/internal/noteid"
)

// TemplateID is the stable identity of one template. It is assigned by the
// store when the template is first written and survives edits to the
// template's raw content.
type TemplateID = noteid.ID

// Identifier addresses one challenge within a template. Two challenges with
// equal (TemplateID, Index) are the same challenge across any number of
// edits to the owning note.
type Identifier struct {
	TemplateID TemplateID `json:"templateID"`
	Index      int        `json:"index"`
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s#%d", id.TemplateID, id.Index)
}

// Less defines the canonical order used for deterministic sorting.
func (id Identifier) Less(other Identifier) bool {
	if id.TemplateID != other.TemplateID {
		return id.TemplateID < other.TemplateID
	}
	return id.Index < other.Index
}

// Content is the prompt/answer pair generated for one challenge.
type Content struct {
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

// Template is one prompt template decoded from note text. Implementations
// are pure values; identity lives in the store's template record.
type Template interface {
	// Type returns the stable tag used to select the decoder.
	Type() string
	// RawValue returns the markdown source the template was decoded from.
	RawValue() string
	// Challenges generates this template's prompts in deterministic order.
	// The i'th element answers Identifier.Index == i.
	Challenges() []Content
}

// DecodeFunc turns a raw value into a concrete template.
type DecodeFunc func(rawValue string) (Template, error)

// Registry maps type tags to decoders. It is populated at construction time
// and passed into the storage engine; there is no global registration.
type Registry struct {
	decoders map[string]DecodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register installs the decoder for a type tag, replacing any previous one.
func (r *Registry) Register(typeTag string, fn DecodeFunc) {
	r.decoders[typeTag] = fn
}

// Decode dispatches on the type tag.
func (r *Registry) Decode(typeTag, rawValue string) (Template, error) {
	fn, ok := r.decoders[typeTag]
	if !ok {
		return nil, fmt.Errorf("challenge: decode %q: %w", typeTag, apperr.ErrUnknownTemplateType)
	}
	return fn(rawValue)
}

// Builtin returns a registry with the template kinds the default markdown
// parser emits.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(markdown.TemplateTypeQA, DecodeQA)
	r.Register(markdown.TemplateTypeCloze, DecodeCloze)
	return r
}

// QA is a single question/answer prompt.
type QA struct {
	Question string
	Answer   string
	raw      string
}

// DecodeQA parses adjacent "Q:" / "A:" lines.
func DecodeQA(rawValue string) (Template, error) {
	lines := strings.SplitN(rawValue, "\n", 2)
	if len(lines) != 2 {
		return nil, fmt.Errorf("challenge: qa template needs two lines, got %d", len(lines))
	}
	q := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[0]), "Q:"))
	a := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[1]), "A:"))
	if q == "" || a == "" {
		return nil, fmt.Errorf("challenge: qa template has empty question or answer")
	}
	return QA{Question: q, Answer: a, raw: rawValue}, nil
}

func (t QA) Type() string     { return markdown.TemplateTypeQA }
func (t QA) RawValue() string { return t.raw }

func (t QA) Challenges() []Content {
	return []Content{{Prompt: t.Question, Answer: t.Answer}}
}

// Cloze is a line of text with one or more ?[hint](answer) deletions; each
// deletion generates one challenge.
type Cloze struct {
	raw     string
	prompts []string
	answers []string
}

// DecodeCloze parses a line containing cloze deletions.
func DecodeCloze(rawValue string) (Template, error) {
	prompts, answers := markdown.ClozeSegments(rawValue)
	if len(prompts) == 0 {
		return nil, fmt.Errorf("challenge: cloze template has no deletions")
	}
	return Cloze{raw: rawValue, prompts: prompts, answers: answers}, nil
}

func (t Cloze) Type() string     { return markdown.TemplateTypeCloze }
func (t Cloze) RawValue() string { return t.raw }

func (t Cloze) Challenges() []Content {
	out := make([]Content, len(t.prompts))
	for i := range t.prompts {
		out[i] = Content{Prompt: t.prompts[i], Answer: t.answers[i]}
	}
	return out
}
