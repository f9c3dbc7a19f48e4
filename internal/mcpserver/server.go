// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes character sheet tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheetservice"
)

const editFormatURI = "charsheet://edit-format"

// Server wraps the MCP server with character sheet tools.
type Server struct {
	mcp *server.MCPServer
	svc *sheetservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *sheetservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Charsheet",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	guildArg := mcp.WithString("guild", mcp.Required(), mcp.Description("Guild (server) id"))
	actorArg := mcp.WithString("actor", mcp.Required(), mcp.Description("Id of the user the call is made for"))
	moderatorArg := mcp.WithBoolean("moderator", mcp.Description("Whether the actor is a guild moderator"))
	locationArg := mcp.WithString("location", mcp.Required(), mcp.Description("Sheet location as channel/message"))

	s.mcp.AddTool(mcp.NewTool("get_character",
		mcp.WithDescription("Read a character sheet by owner and optional character name."),
		guildArg, actorArg, moderatorArg,
		mcp.WithString("owner", mcp.Required(), mcp.Description("Owner user id")),
		mcp.WithString("name", mcp.Description("Character name (empty for the owner's default character)")),
	), s.getCharacter)

	s.mcp.AddTool(mcp.NewTool("list_characters",
		mcp.WithDescription("List the characters of a guild, optionally for one owner."),
		guildArg, actorArg, moderatorArg,
		mcp.WithString("owner", mcp.Description("Optional owner user id")),
	), s.listCharacters)

	s.mcp.AddTool(mcp.NewTool("get_edit_text",
		mcp.WithDescription("Return the editable text of a field group of a character."),
		guildArg, actorArg, moderatorArg, locationArg,
		mcp.WithString("group", mcp.Required(), mcp.Enum("stats", "macros")),
	), s.getEditText)

	s.mcp.AddTool(mcp.NewTool("submit_edit",
		mcp.WithDescription("Resubmit a whole field group. The text MUST follow the edit "+
			"format; read it first via the get_edit_format tool or the "+editFormatURI+" resource."),
		guildArg, actorArg, moderatorArg, locationArg,
		mcp.WithString("group", mcp.Required(), mcp.Enum("stats", "macros")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Full group text, one name: value per line")),
	), s.submitEdit)

	s.mcp.AddTool(mcp.NewTool("resolve_ticket",
		mcp.WithDescription("Approve or cancel a staged change from its proposal location."),
		guildArg, actorArg, moderatorArg,
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Proposal location as channel/message")),
		mcp.WithString("action", mcp.Required(), mcp.Enum("approve", "cancel")),
		mcp.WithString("target", mcp.Description("Optional character location as channel/message")),
	), s.resolveTicket)

	s.mcp.AddTool(mcp.NewTool("get_edit_format",
		mcp.WithDescription("Returns the field group edit format. "+
			"Call this before submitting edits to ensure correct structure."),
	), s.getEditFormat)

	// Resource: edit format contract.
	s.mcp.AddResource(
		mcp.NewResource(editFormatURI, "Edit Format Contract",
			mcp.WithResourceDescription("Text format of statistic and macro edits."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readEditFormatResource,
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

func actorOf(req mcp.CallToolRequest) (models.Actor, error) {
	id, err := req.RequireString("actor")
	if err != nil {
		return models.Actor{}, err
	}
	return models.Actor{ID: id, Moderator: req.GetBool("moderator", false)}, nil
}

// common extracts the arguments every guild tool takes.
func common(req mcp.CallToolRequest) (string, models.Actor, error) {
	guild, err := req.RequireString("guild")
	if err != nil {
		return "", models.Actor{}, err
	}
	actor, err := actorOf(req)
	return guild, actor, err
}

func location(req mcp.CallToolRequest, key string) (models.Location, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return models.Location{}, err
	}
	return models.ParseLocation(raw)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getCharacter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guild, actor, err := common(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	owner, err := req.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.Character(ctx, guild, owner, req.GetString("name", ""), actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(doc)
}

func (s *Server) listCharacters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guild, actor, err := common(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.svc.Characters(ctx, guild, req.GetString("owner", ""), actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(list)
}

func (s *Server) getEditText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guild, actor, err := common(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	loc, err := location(req, "location")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := s.svc.EditText(ctx, guild, loc, models.GroupKind(req.GetString("group", "")), actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) submitEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guild, actor, err := common(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	loc, err := location(req, "location")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.SubmitEditText(ctx, guild, loc, models.GroupKind(req.GetString("group", "")), text, actor)
	if err != nil {
		s.svc.ReportFailure(ctx, "submit edit", actor, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) resolveTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guild, actor, err := common(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := location(req, "prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref := models.TicketRef{Prompt: prompt}
	if raw := req.GetString("target", ""); raw != "" {
		if ref.Target, err = models.ParseLocation(raw); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.svc.ResolveTicket(ctx, guild, ref, models.ResolveAction(action), actor)
	if err != nil {
		s.svc.ReportFailure(ctx, "resolve ticket", actor, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out)
}

func (s *Server) getEditFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(EditFormatContract), nil
}

func (s *Server) readEditFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      editFormatURI,
			MIMEType: "text/markdown",
			Text:     EditFormatContract,
		},
	}, nil
}
