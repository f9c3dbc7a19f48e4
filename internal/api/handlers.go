package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheetservice"
	"github.com/starford/charsheet/internal/wizard"
)

// Handler holds API route handlers.
type Handler struct {
	svc *sheetservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *sheetservice.Service) *Handler {
	return &Handler{svc: svc}
}

// fail writes the response for a service error. Unexpected errors are
// reported to the operator and hidden from the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if status := statusOf(err); status != 0 {
		writeJSON(w, status, errorBody(err.Error()))
		return
	}
	slog.Error(op+" failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	h.svc.ReportFailure(r.Context(), op, actorFrom(r), err)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func guildID(r *http.Request) string {
	return chi.URLParam(r, "guild")
}

func sheetLocation(r *http.Request) models.Location {
	return models.Location{ChannelID: chi.URLParam(r, "channel"), MessageID: chi.URLParam(r, "message")}
}

func groupParam(r *http.Request) models.GroupKind {
	return models.GroupKind(strings.ToLower(chi.URLParam(r, "group")))
}

// GetSettings handles GET /guilds/{guild}/settings.
//
//	@Summary		Get the guild settings
//	@Tags			guilds
//	@Produce		json
//	@Success		200	{object}	guild.Settings
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/settings [get]
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Settings(r.Context(), guildID(r))
	if err != nil {
		h.fail(w, r, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutSettings handles PUT /guilds/{guild}/settings.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var st guild.Settings
	if !readJSON(w, r, &st) {
		return
	}
	if err := h.svc.PutSettings(r.Context(), guildID(r), st, actorFrom(r)); err != nil {
		h.fail(w, r, "put settings", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetTemplate handles GET /guilds/{guild}/template.
//
//	@Summary		Get the guild template
//	@Tags			guilds
//	@Produce		json
//	@Success		200	{object}	models.Template
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/template [get]
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Template(r.Context(), guildID(r))
	if err != nil {
		h.fail(w, r, "get template", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PutTemplate handles PUT /guilds/{guild}/template.
func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if !readJSON(w, r, &t) {
		return
	}
	if err := h.svc.PutTemplate(r.Context(), guildID(r), &t, actorFrom(r)); err != nil {
		h.fail(w, r, "put template", err)
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

// BeginRegistration handles POST /guilds/{guild}/registrations.
//
//	@Summary		Start a character registration
//	@Tags			registrations
//	@Produce		json
//	@Success		200	{object}	wizard.Form
//	@Failure		403	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/registrations [post]
func (h *Handler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	form, err := h.svc.BeginRegistration(r.Context(), guildID(r), actorFrom(r))
	if err != nil {
		h.fail(w, r, "begin registration", err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// SubmitRegistrationPage handles POST /guilds/{guild}/registrations/pages.
//
//	@Summary		Submit one registration page
//	@Tags			registrations
//	@Accept			json
//	@Produce		json
//	@Param			body	body		wizard.Submission	true	"Page values"
//	@Success		200		{object}	RegistrationResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/registrations/pages [post]
func (h *Handler) SubmitRegistrationPage(w http.ResponseWriter, r *http.Request) {
	var sub wizard.Submission
	if !readJSON(w, r, &sub) {
		return
	}
	res, err := h.svc.SubmitRegistrationPage(r.Context(), guildID(r), actorFrom(r), sub)
	if err != nil {
		h.fail(w, r, "registration page", err)
		return
	}
	status := http.StatusOK
	if res.Document != nil || res.Ticket != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// ListCharacters handles GET /guilds/{guild}/characters.
//
//	@Summary		List characters
//	@Tags			characters
//	@Produce		json
//	@Param			owner	query		string	false	"Filter by owner"
//	@Success		200		{object}	CharacterListResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/characters [get]
func (h *Handler) ListCharacters(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Characters(r.Context(), guildID(r), r.URL.Query().Get("owner"), actorFrom(r))
	if err != nil {
		h.fail(w, r, "list characters", err)
		return
	}
	writeJSON(w, http.StatusOK, CharacterListResponse{Characters: list, Total: len(list)})
}

// FindCharacter handles GET /guilds/{guild}/characters/{owner}.
// The optional name query selects a named character.
func (h *Handler) FindCharacter(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Character(r.Context(), guildID(r), chi.URLParam(r, "owner"), r.URL.Query().Get("name"), actorFrom(r))
	if err != nil {
		h.fail(w, r, "find character", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetSheet handles GET /guilds/{guild}/sheets/{channel}/{message}.
func (h *Handler) GetSheet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.CharacterAt(r.Context(), guildID(r), sheetLocation(r), actorFrom(r))
	if err != nil {
		h.fail(w, r, "get sheet", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetEditText handles GET /guilds/{guild}/sheets/{channel}/{message}/{group}.
//
//	@Summary		Get the editable text of a field group
//	@Tags			sheets
//	@Produce		json
//	@Param			group	path		string	true	"Field group"	Enums(stats, macros)
//	@Success		200		{object}	EditTextResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/sheets/{channel}/{message}/{group} [get]
func (h *Handler) GetEditText(w http.ResponseWriter, r *http.Request) {
	group := groupParam(r)
	text, err := h.svc.EditText(r.Context(), guildID(r), sheetLocation(r), group, actorFrom(r))
	if err != nil {
		h.fail(w, r, "edit text", err)
		return
	}
	writeJSON(w, http.StatusOK, EditTextResponse{Group: group, Text: text})
}

// SubmitEditText handles PUT /guilds/{guild}/sheets/{channel}/{message}/{group}.
//
//	@Summary		Resubmit a field group
//	@Tags			sheets
//	@Accept			json
//	@Produce		json
//	@Param			body	body		EditTextRequest	true	"Full group text"
//	@Success		200		{object}	EditResponse	"Applied"
//	@Success		202		{object}	EditResponse	"Waiting for a moderator"
//	@Failure		400		{object}	errResponse
//	@Failure		403		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/sheets/{channel}/{message}/{group} [put]
func (h *Handler) SubmitEditText(w http.ResponseWriter, r *http.Request) {
	var req EditTextRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.svc.SubmitEditText(r.Context(), guildID(r), sheetLocation(r), groupParam(r), req.Text, actorFrom(r))
	if err != nil {
		h.fail(w, r, "submit edit", err)
		return
	}
	writeEdit(w, res)
}

// AddMacro handles POST /guilds/{guild}/sheets/{channel}/{message}/macros.
func (h *Handler) AddMacro(w http.ResponseWriter, r *http.Request) {
	var req AddMacroRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := h.svc.AddMacro(r.Context(), guildID(r), sheetLocation(r), req.Name, req.Expr, actorFrom(r))
	if err != nil {
		h.fail(w, r, "add macro", err)
		return
	}
	writeEdit(w, res)
}

func writeEdit(w http.ResponseWriter, res *sheetservice.EditResult) {
	if res.Ticket != nil {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RenameSheet handles PATCH /guilds/{guild}/sheets/{channel}/{message}.
func (h *Handler) RenameSheet(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !readJSON(w, r, &req) {
		return
	}
	doc, err := h.svc.Rename(r.Context(), guildID(r), sheetLocation(r), req.Name, actorFrom(r))
	if err != nil {
		h.fail(w, r, "rename", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteSheet handles DELETE /guilds/{guild}/sheets/{channel}/{message}.
//
//	@Summary		Delete a character
//	@Tags			sheets
//	@Success		204	"Character deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/sheets/{channel}/{message} [delete]
func (h *Handler) DeleteSheet(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteCharacter(r.Context(), guildID(r), sheetLocation(r), actorFrom(r)); err != nil {
		h.fail(w, r, "delete character", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPendingTicket handles GET /guilds/{guild}/sheets/{channel}/{message}/ticket.
func (h *Handler) GetPendingTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.PendingTicket(r.Context(), guildID(r), sheetLocation(r), actorFrom(r))
	if err != nil {
		h.fail(w, r, "pending ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ResolveTicket handles POST /guilds/{guild}/tickets/{channel}/{message}/{action}.
// The path names the proposal (prompt) the resolution arrives on.
//
//	@Summary		Approve or cancel a staged change
//	@Tags			tickets
//	@Accept			json
//	@Produce		json
//	@Param			action	path		string			true	"Resolution"	Enums(approve, cancel)
//	@Param			body	body		ResolveRequest	false	"Known target"
//	@Success		200		{object}	moderation.Outcome
//	@Failure		403		{object}	errResponse
//	@Failure		409		{object}	errResponse	"Already resolved or altered"
//	@Security		BearerAuth
//	@Router			/guilds/{guild}/tickets/{channel}/{message}/{action} [post]
func (h *Handler) ResolveTicket(w http.ResponseWriter, r *http.Request) {
	ref := models.TicketRef{Prompt: sheetLocation(r)}
	if r.ContentLength > 0 {
		var req ResolveRequest
		if !readJSON(w, r, &req) {
			return
		}
		if req.Target != "" {
			target, err := models.ParseLocation(req.Target)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
				return
			}
			ref.Target = target
		}
	}
	action := models.ResolveAction(strings.ToLower(chi.URLParam(r, "action")))
	out, err := h.svc.ResolveTicket(r.Context(), guildID(r), ref, action, actorFrom(r))
	if err != nil {
		h.fail(w, r, "resolve ticket", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
