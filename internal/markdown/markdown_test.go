package markdown

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"h1", "# Vocabulary\n\nSome prose.", "Vocabulary"},
		{"h2", "## Section only\ntext", "Section only"},
		{"no heading", "First line of prose.\nSecond line.", "First line of prose."},
		{"hashtag is not a heading", "#spanish\n# Real Title", "Real Title"},
		{"empty", "", ""},
		{"blank leading lines", "\n\n# Late Title", "Late Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Default{}.Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if doc.Title != tt.want {
				t.Errorf("Title = %q, want %q", doc.Title, tt.want)
			}
		})
	}
}

func TestParseHashtags(t *testing.T) {
	doc, err := Default{}.Parse("# Notes\n#spanish #verbs\nmore #spanish here\n#a/b-c_d")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"#spanish", "#verbs", "#a/b-c_d"}
	if diff := cmp.Diff(want, doc.Hashtags); diff != "" {
		t.Errorf("hashtags mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTemplateBlocks(t *testing.T) {
	text := "# Spanish\n" +
		"Q: How do you say 'dog'?\n" +
		"A: perro\n" +
		"\n" +
		"The capital of Spain is ?[city](Madrid).\n"

	doc, err := Default{}.Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []TemplateBlock{
		{Type: TemplateTypeQA, RawValue: "Q: How do you say 'dog'?\nA: perro"},
		{Type: TemplateTypeCloze, RawValue: "The capital of Spain is ?[city](Madrid)."},
	}
	if diff := cmp.Diff(want, doc.Blocks); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestClozeSegments(t *testing.T) {
	prompts, answers := ClozeSegments("?[a](alpha) and ?[](beta).")
	if diff := cmp.Diff([]string{"alpha", "beta"}, answers); diff != "" {
		t.Fatalf("answers mismatch (-want +got):\n%s", diff)
	}
	wantPrompts := []string{
		"(a) and beta.",
		"alpha and (…).",
	}
	if diff := cmp.Diff(wantPrompts, prompts); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}
}
