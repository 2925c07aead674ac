package challenge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/starford/perthro/internal/apperr"
)

func TestRegistryRoundTrip(t *testing.T) {
	r := Builtin()

	tests := []struct {
		typeTag string
		raw     string
		want    int // challenge count
	}{
		{"qa", "Q: What is the capital of Norway?\nA: Oslo", 1},
		{"cloze", "?[a](alpha) then ?[b](beta) then ?[c](gamma)", 3},
	}
	for _, tt := range tests {
		t.Run(tt.typeTag, func(t *testing.T) {
			tmpl, err := r.Decode(tt.typeTag, tt.raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if tmpl.Type() != tt.typeTag {
				t.Errorf("Type = %q, want %q", tmpl.Type(), tt.typeTag)
			}
			if tmpl.RawValue() != tt.raw {
				t.Errorf("RawValue = %q, want %q", tmpl.RawValue(), tt.raw)
			}
			if got := len(tmpl.Challenges()); got != tt.want {
				t.Errorf("len(Challenges) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := Builtin().Decode("hologram", "whatever")
	if !errors.Is(err, apperr.ErrUnknownTemplateType) {
		t.Fatalf("err = %v, want ErrUnknownTemplateType", err)
	}
}

func TestDecodeQARejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "Q: only a question", "Q: q\nA:"} {
		if _, err := DecodeQA(raw); err == nil {
			t.Errorf("DecodeQA(%q) should fail", raw)
		}
	}
}

func TestQAChallengeContent(t *testing.T) {
	tmpl, err := DecodeQA("Q: How do you say 'dog'?\nA: perro")
	if err != nil {
		t.Fatalf("DecodeQA: %v", err)
	}
	cs := tmpl.Challenges()
	if len(cs) != 1 || cs[0].Prompt != "How do you say 'dog'?" || cs[0].Answer != "perro" {
		t.Errorf("challenges = %+v", cs)
	}
}

func TestIdentifierOrdering(t *testing.T) {
	a := Identifier{TemplateID: "aaa", Index: 1}
	b := Identifier{TemplateID: "aaa", Index: 2}
	c := Identifier{TemplateID: "bbb", Index: 0}
	if !a.Less(b) || !b.Less(c) || c.Less(a) {
		t.Error("identifier ordering is not (templateID, index)")
	}
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(2)
	mk := func(i int) Template {
		tmpl, _ := DecodeQA(fmt.Sprintf("Q: q%d\nA: a%d", i, i))
		return tmpl
	}

	cache.Put("t1", mk(1))
	cache.Put("t2", mk(2))
	cache.Get("t1") // refresh t1, t2 becomes LRU
	cache.Put("t3", mk(3))

	if _, ok := cache.Get("t2"); ok {
		t.Error("t2 should have been evicted")
	}
	if _, ok := cache.Get("t1"); !ok {
		t.Error("t1 should survive")
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}

	cache.Remove("t1")
	if _, ok := cache.Get("t1"); ok {
		t.Error("t1 should be removed")
	}
}
