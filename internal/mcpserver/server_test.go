package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/perthro/internal/clock"
	"github.com/starford/perthro/internal/notestore"
	"github.com/starford/perthro/internal/snapshot"
	"github.com/starford/perthro/internal/vclock"
)

const sampleNote = `# Photosynthesis

#biology

Q: What pigment absorbs light?
A: Chlorophyll.
`

func testServer(t *testing.T) (*Server, *notestore.Store) {
	t.Helper()

	c := &clock.Fixed{T: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	file, err := snapshot.NewFile(filepath.Join(t.TempDir(), "notes.db"))
	if err != nil {
		t.Fatal(err)
	}
	store := notestore.New(file, vclock.DeviceIdentity{UUID: "mcp-test", Name: "mcp test"},
		notestore.WithClock(c),
		notestore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := store.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	return New(store, c), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "add_note":
		result, err = srv.addNote(ctx, req)
	case "due_challenges":
		result, err = srv.dueChallenges(ctx, req)
	case "record_study":
		result, err = srv.recordStudy(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestAddAndReadNote(t *testing.T) {
	srv, store := testServer(t)

	r := callTool(t, srv, "add_note", map[string]interface{}{"text": sampleNote})
	text := resultText(r)
	if !strings.HasPrefix(text, "created ") || !strings.Contains(text, "Photosynthesis") {
		t.Errorf("add result = %q", text)
	}

	notes, err := store.ListNotes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(notes))
	}

	r = callTool(t, srv, "read_note", map[string]interface{}{"id": string(notes[0].ID)})
	text = resultText(r)
	if !strings.Contains(text, "Chlorophyll") {
		t.Errorf("read result = %q", text)
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestSearchNotes(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "add_note", map[string]interface{}{"text": sampleNote})

	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "photo"})
	if text := resultText(r); !strings.Contains(text, "Photosynthesis") {
		t.Errorf("search result = %q", text)
	}

	r = callTool(t, srv, "search_notes", map[string]interface{}{})
	if text := resultText(r); !strings.Contains(text, "Photosynthesis") {
		t.Errorf("empty-query result = %q", text)
	}
}

func TestStudyRoundTrip(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "add_note", map[string]interface{}{"text": sampleNote})

	r := callTool(t, srv, "due_challenges", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "What pigment absorbs light?") {
		t.Fatalf("due result = %q", text)
	}

	var templateID string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, `"templateID"`) {
			parts := strings.Split(line, `"`)
			templateID = parts[3]
			break
		}
	}
	if templateID == "" {
		t.Fatal("no templateID in due listing")
	}

	r = callTool(t, srv, "record_study", map[string]interface{}{
		"template": templateID,
		"correct":  1,
	})
	text = resultText(r)
	if r.IsError || !strings.Contains(text, "recorded") {
		t.Errorf("record result = %q", text)
	}

	r = callTool(t, srv, "due_challenges", map[string]interface{}{})
	if text := resultText(r); strings.Contains(text, templateID) {
		t.Errorf("challenge still due after review: %q", text)
	}
}

func TestRecordStudyUnknownChallenge(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "record_study", map[string]interface{}{"template": "missing"})
	if !r.IsError {
		t.Error("expected error for unknown challenge")
	}
}
