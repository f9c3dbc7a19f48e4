package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/charsheet/internal/charcache"
	"github.com/starford/charsheet/internal/docsync"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/moderation"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/sheetservice"
	"github.com/starford/charsheet/internal/testutil"
	"github.com/starford/charsheet/internal/tickets"
	"github.com/starford/charsheet/internal/wizard"
)

func testServer(t *testing.T, settings guild.Settings) (*Server, *docsync.Syncer, *testutil.Recorder) {
	t.Helper()
	ctx := context.Background()
	_, vault := testutil.TestVault(t)
	guilds := guild.New(testutil.TestDB(t))
	if err := guilds.PutSettings(ctx, "g1", settings); err != nil {
		t.Fatal(err)
	}
	if err := guilds.PutTemplate(ctx, "g1", testutil.Template()); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cache := charcache.New()
	notes := &testutil.Recorder{}
	f := formula.New()
	syncer := docsync.New(vault, guilds, cache, notes, logger)
	svc := sheetservice.NewService(sheetservice.Deps{
		Guilds:         guilds,
		Wizard:         wizard.New(vault, guilds, f, 0),
		Gate:           moderation.New(tickets.NewMemory(0), vault, guilds, syncer, notes, logger),
		Sync:           syncer,
		Cache:          cache,
		Formula:        f,
		Notifier:       notes,
		OperatorTarget: "ops",
		Logger:         logger,
	})

	// Seed one complete character owned by u1.
	ch := testutil.Character("g1", "u1", "Aria", models.Location{})
	loc, err := vault.Render(ctx, "sheets", sheet.Render(ch))
	if err != nil {
		t.Fatal(err)
	}
	ch.Location = loc
	if _, err := syncer.Register(ctx, ch, models.Actor{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	return New(svc), syncer, notes
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
	case "get_character":
		result, err = srv.getCharacter(ctx, req)
	case "list_characters":
		result, err = srv.listCharacters(ctx, req)
	case "get_edit_text":
		result, err = srv.getEditText(ctx, req)
	case "submit_edit":
		result, err = srv.submitEdit(ctx, req)
	case "resolve_ticket":
		result, err = srv.resolveTicket(ctx, req)
	case "get_edit_format":
		result, err = srv.getEditFormat(ctx, req)
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

func characterLocation(t *testing.T, srv *Server) string {
	t.Helper()
	r := callTool(t, srv, "get_character", map[string]interface{}{
		"guild": "g1", "actor": "u1", "owner": "u1", "name": "aria",
	})
	if r.IsError {
		t.Fatalf("get_character: %s", resultText(r))
	}
	var doc models.CharacterDocument
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatal(err)
	}
	return doc.Location.Key()
}

func TestGetCharacter(t *testing.T) {
	srv, _, _ := testServer(t, guild.Settings{})
	if loc := characterLocation(t, srv); !strings.HasPrefix(loc, "sheets/") {
		t.Errorf("location = %q", loc)
	}

	r := callTool(t, srv, "get_character", map[string]interface{}{
		"guild": "g1", "actor": "u1", "owner": "u1", "name": "ghost",
	})
	if !r.IsError {
		t.Error("expected error for missing character")
	}
}

func TestListCharacters(t *testing.T) {
	srv, _, _ := testServer(t, guild.Settings{})

	r := callTool(t, srv, "list_characters", map[string]interface{}{"guild": "g1", "actor": "u2"})
	var list []models.CharacterDocument
	if err := json.Unmarshal([]byte(resultText(r)), &list); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}
}

func TestEditTextAndSubmit(t *testing.T) {
	srv, _, _ := testServer(t, guild.Settings{})
	loc := characterLocation(t, srv)

	r := callTool(t, srv, "get_edit_text", map[string]interface{}{
		"guild": "g1", "actor": "u1", "location": loc, "group": "macros",
	})
	if got := resultText(r); got != "- atk: 1d6+str\n- def: 1d6\n" {
		t.Errorf("edit text = %q", got)
	}

	r = callTool(t, srv, "submit_edit", map[string]interface{}{
		"guild": "g1", "actor": "u1", "location": loc, "group": "macros", "text": "- atk: x",
	})
	if r.IsError {
		t.Fatalf("submit_edit: %s", resultText(r))
	}
	var res sheetservice.EditResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if len(res.Delta.Removed) != 1 || res.Delta.Removed[0] != "atk" {
		t.Errorf("delta = %+v", res.Delta)
	}
}

func TestSubmitEditRejected(t *testing.T) {
	srv, _, notes := testServer(t, guild.Settings{})
	loc := characterLocation(t, srv)

	r := callTool(t, srv, "submit_edit", map[string]interface{}{
		"guild": "g1", "actor": "u2", "location": loc, "group": "stats", "text": "- str: 1",
	})
	if !r.IsError {
		t.Error("expected permission error")
	}
	if len(notes.To("ops")) != 0 {
		t.Error("user errors must not reach the operator")
	}

	r = callTool(t, srv, "submit_edit", map[string]interface{}{
		"guild": "g1", "actor": "u1", "location": "bad", "group": "stats", "text": "- str: 1",
	})
	if !r.IsError {
		t.Error("expected error for malformed location")
	}
}

func TestResolveTicket(t *testing.T) {
	srv, _, _ := testServer(t, guild.Settings{Moderation: true, ModerationChannel: "mods"})
	loc := characterLocation(t, srv)

	r := callTool(t, srv, "submit_edit", map[string]interface{}{
		"guild": "g1", "actor": "u1", "location": loc, "group": "stats", "text": "- str: 12\n- dex: 18",
	})
	var res sheetservice.EditResult
	_ = json.Unmarshal([]byte(resultText(r)), &res)
	if res.Ticket == nil {
		t.Fatalf("expected a ticket, got %s", resultText(r))
	}

	args := map[string]interface{}{
		"guild": "g1", "actor": "mod", "moderator": true,
		"prompt": res.Ticket.Prompt.Key(), "action": "approve",
	}
	if r := callTool(t, srv, "resolve_ticket", args); r.IsError {
		t.Fatalf("resolve: %s", resultText(r))
	}
	if r := callTool(t, srv, "resolve_ticket", args); !r.IsError {
		t.Error("second resolution should fail")
	}
}

func TestGetEditFormat(t *testing.T) {
	srv, _, _ := testServer(t, guild.Settings{})
	r := callTool(t, srv, "get_edit_format", nil)
	if !strings.Contains(resultText(r), "Absent entries are kept") {
		t.Error("contract text missing")
	}
}
