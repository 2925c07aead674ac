// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the note store's tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/clock"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/notestore"
	"github.com/starford/perthro/internal/studylog"
)

// Server wraps the MCP server with note store tools.
type Server struct {
	mcp   *server.MCPServer
	store *notestore.Store
	clock clock.Clock
}

// New creates a new MCP server with all tools registered.
func New(store *notestore.Store, c clock.Clock) *Server {
	if c == nil {
		c = clock.Real{}
	}
	s := &Server{store: store, clock: c}

	s.mcp = server.NewMCPServer(
		"Perthro",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search through note titles and text. An empty query lists every note with text."),
		mcp.WithString("query", mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read one note's text and metadata by its id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("add_note",
		mcp.WithDescription("Create a new note from Markdown text. Use #tags for hashtags, "+
			"adjacent 'Q:'/'A:' lines for question prompts, and ?[hint](answer) cloze "+
			"deletions; both become study challenges. See the perthro://note-format resource."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Markdown note text")),
	), s.addNote)

	s.mcp.AddTool(mcp.NewTool("due_challenges",
		mcp.WithDescription("List study challenges due for review, with their prompts."),
		mcp.WithString("note", mcp.Description("Optional note id to scope the listing")),
	), s.dueChallenges)

	s.mcp.AddTool(mcp.NewTool("record_study",
		mcp.WithDescription("Record the outcome of reviewing one challenge. correct/incorrect "+
			"count the answer attempts in this review."),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template id of the challenge")),
		mcp.WithNumber("index", mcp.Description("Challenge index within the template (default 0)")),
		mcp.WithNumber("correct", mcp.Description("Correct attempts (default 1)")),
		mcp.WithNumber("incorrect", mcp.Description("Incorrect attempts (default 0)")),
	), s.recordStudy)

	s.mcp.AddResource(
		mcp.NewResource("perthro://note-format", "Note Format",
			mcp.WithResourceDescription("Markdown conventions notes must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	results, err := s.store.Search(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.store.Note(ctx, noteid.ID(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(note, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) addNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, note, err := s.store.CreateNote(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created %s: %s", id, note.Metadata.Title)), nil
}

func (s *Server) dueChallenges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var scope *noteid.ID
	if raw := req.GetString("note", ""); raw != "" {
		id := noteid.ID(raw)
		scope = &id
	}

	ids, err := s.store.EligibleChallenges(ctx, s.clock.Now(), scope)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	type dueItem struct {
		TemplateID string `json:"templateID"`
		Index      int    `json:"index"`
		Prompt     string `json:"prompt"`
	}
	items := make([]dueItem, 0, len(ids))
	for _, id := range ids {
		ch, err := s.store.Challenge(ctx, id)
		if err != nil {
			// Unknown template types stay listed without a prompt.
			items = append(items, dueItem{TemplateID: string(id.TemplateID), Index: id.Index})
			continue
		}
		items = append(items, dueItem{
			TemplateID: string(id.TemplateID),
			Index:      id.Index,
			Prompt:     ch.Content.Prompt,
		})
	}
	out, _ := json.MarshalIndent(items, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) recordStudy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	template, err := req.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	index := req.GetInt("index", 0)
	correct := req.GetInt("correct", 1)
	incorrect := req.GetInt("incorrect", 0)

	entry := studylog.Entry{
		Timestamp: s.clock.Now(),
		Identifier: challenge.Identifier{
			TemplateID: challenge.TemplateID(template),
			Index:      index,
		},
		Statistics: studylog.AnswerStatistics{Correct: correct, Incorrect: incorrect},
	}
	if err := s.store.RecordStudyEntry(ctx, entry, true); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, err := s.store.Scheduling(ctx, entry.Identifier)
	if err != nil {
		return mcp.NewToolResultText("recorded"), nil
	}
	due := "immediately"
	if info.Due != nil {
		due = info.Due.Format(time.RFC3339)
	}
	return mcp.NewToolResultText(fmt.Sprintf("recorded; next review %s", due)), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "perthro://note-format",
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
