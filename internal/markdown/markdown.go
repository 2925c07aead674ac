// Package markdown extracts note metadata and challenge-template blocks
// from Markdown text.
//
// The storage engine consumes this package through the Parser interface and
// treats the syntax tree as opaque; only the derived title, hashtags, and
// template blocks cross the boundary.
package markdown

import (
	"regexp"
	"strings"
)

var (
	tagRe   = regexp.MustCompile(`(?:^|\s)(#[A-Za-z][A-Za-z0-9_/-]*)`)
	clozeRe = regexp.MustCompile(`\?\[(.*?)\]\((.*?)\)`)
)

// Template type tags produced by the default parser.
const (
	TemplateTypeQA    = "qa"
	TemplateTypeCloze = "cloze"
)

// TemplateBlock is a challenge-template extraction: a stable type tag plus
// the raw markdown that produced it. The codec registered for the tag turns
// RawValue back into a concrete template.
type TemplateBlock struct {
	Type     string
	RawValue string
}

// Document is the parsed view of one note's text.
type Document struct {
	Title    string
	Hashtags []string
	Blocks   []TemplateBlock
}

// Parser turns note text into a Document.
type Parser interface {
	Parse(text string) (*Document, error)
}

// Default is the built-in line-oriented parser.
type Default struct{}

// Parse extracts the title, hashtags, and challenge-template blocks.
//
// The title is the first heading, or the first non-blank line when the note
// has no heading. Hashtags are #tag tokens anywhere in the text,
// de-duplicated in order of first appearance. Cloze deletions use the
// ?[hint](answer) syntax, one template per line containing at least one
// deletion. Question-and-answer prompts are adjacent "Q: ..." / "A: ..."
// lines, one template per pair.
func (Default) Parse(text string) (*Document, error) {
	doc := &Document{
		Title:    deriveTitle(text),
		Hashtags: extractHashtags(text),
	}

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if strings.HasPrefix(line, "Q:") && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if strings.HasPrefix(next, "A:") {
				doc.Blocks = append(doc.Blocks, TemplateBlock{
					Type:     TemplateTypeQA,
					RawValue: line + "\n" + next,
				})
				i++
				continue
			}
		}

		if clozeRe.MatchString(line) {
			doc.Blocks = append(doc.Blocks, TemplateBlock{
				Type:     TemplateTypeCloze,
				RawValue: line,
			})
		}
	}

	return doc, nil
}

// deriveTitle returns the first heading, stripped of leading #, or the
// first non-blank line.
func deriveTitle(text string) string {
	var fallback string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") && !isHashtagLine(trimmed) {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		if fallback == "" {
			fallback = trimmed
		}
	}
	return fallback
}

// isHashtagLine distinguishes "#tag" tokens from "# Heading" markers: a
// heading has whitespace (or nothing) after the # run, a hashtag does not.
func isHashtagLine(line string) bool {
	rest := strings.TrimLeft(line, "#")
	return rest != "" && rest[0] != ' ' && rest[0] != '\t'
}

// extractHashtags collects #tags in order of first appearance.
func extractHashtags(text string) []string {
	matches := tagRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		tag := m[1]
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ClozeSegments splits a cloze template's raw value into the prompt with
// each deletion blanked and the list of answers, used by the cloze template
// kind to generate one challenge per deletion.
func ClozeSegments(raw string) (prompts []string, answers []string) {
	locs := clozeRe.FindAllStringSubmatchIndex(raw, -1)
	for i, loc := range locs {
		var b strings.Builder
		for j, other := range locs {
			if j == 0 {
				b.WriteString(raw[:other[0]])
			}
			if j == i {
				hint := raw[other[2]:other[3]]
				if hint == "" {
					hint = "…"
				}
				b.WriteString("(" + hint + ")")
			} else {
				b.WriteString(raw[other[4]:other[5]])
			}
			if j+1 < len(locs) {
				b.WriteString(raw[other[1]:locs[j+1][0]])
			} else {
				b.WriteString(raw[other[1]:])
			}
		}
		prompts = append(prompts, b.String())
		answers = append(answers, raw[loc[4]:loc[5]])
	}
	return prompts, answers
}
