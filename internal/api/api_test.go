package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/charsheet/internal/charcache"
	"github.com/starford/charsheet/internal/docsync"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/moderation"
	"github.com/starford/charsheet/internal/sheetservice"
	"github.com/starford/charsheet/internal/testutil"
	"github.com/starford/charsheet/internal/tickets"
	"github.com/starford/charsheet/internal/wizard"
)

var (
	member    = models.Actor{ID: "u1", Name: "Ann"}
	moderator = models.Actor{ID: "mod", Name: "Moe", Moderator: true}
)

// testEnv sets up a temp vault, SQLite record store, service and router.
// An empty authToken means auth is disabled.
func testEnv(t *testing.T, authToken string, settings guild.Settings) http.Handler {
	t.Helper()
	return testEnvWithSSE(t, authToken, settings, nil)
}

func testEnvWithSSE(t *testing.T, authToken string, settings guild.Settings, sseHandler http.Handler) http.Handler {
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
		Guilds:   guilds,
		Wizard:   wizard.New(vault, guilds, f, 0),
		Gate:     moderation.New(tickets.NewMemory(0), vault, guilds, syncer, notes, logger),
		Sync:     syncer,
		Cache:    cache,
		Formula:  f,
		Notifier: notes,
		Logger:   logger,
	})
	return NewRouter(svc, authToken != "", authToken, sseHandler)
}

func openGuild() guild.Settings {
	return guild.Settings{AllowSelfRegister: true, DefaultChannel: "sheets"}
}

func do(t *testing.T, router http.Handler, actor models.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if actor.ID != "" {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorName, actor.Name)
		if actor.Moderator {
			req.Header.Set(HeaderActorRole, RoleModerator)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// registerViaAPI runs both wizard pages and returns the final response.
func registerViaAPI(t *testing.T, router http.Handler, actor models.Actor, name string) RegistrationResponse {
	t.Helper()
	w := do(t, router, actor, http.MethodPost, "/guilds/g1/registrations/pages", wizard.Submission{
		Page:   1,
		Values: map[string]string{wizard.FieldName: name},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("identity page = %d, body = %s", w.Code, w.Body.String())
	}
	var first RegistrationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &first)

	w = do(t, router, actor, http.MethodPost, "/guilds/g1/registrations/pages", wizard.Submission{
		Location: first.Step.Location,
		Page:     2,
		Values:   map[string]string{"str": "10", "dex": "20"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("stats page = %d, body = %s", w.Code, w.Body.String())
	}
	var res RegistrationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	return res
}

func sheetPath(loc models.Location) string {
	return "/guilds/g1/sheets/" + loc.ChannelID + "/" + loc.MessageID
}

func TestBeginRegistration(t *testing.T) {
	router := testEnv(t, "", openGuild())

	w := do(t, router, member, http.MethodPost, "/guilds/g1/registrations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("begin = %d, body = %s", w.Code, w.Body.String())
	}
	var form wizard.Form
	_ = json.Unmarshal(w.Body.Bytes(), &form)
	if form.Page != 1 || form.TotalPages != 2 {
		t.Errorf("form = %+v", form)
	}
}

func TestBeginRegistration_Forbidden(t *testing.T) {
	router := testEnv(t, "", guild.Settings{})

	w := do(t, router, member, http.MethodPost, "/guilds/g1/registrations", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("begin without self-registration = %d, want 403", w.Code)
	}
}

func TestRegisterAndFetch(t *testing.T) {
	router := testEnv(t, "", openGuild())
	res := registerViaAPI(t, router, member, "Aria")
	if res.Document == nil || res.Mode != "direct" {
		t.Fatalf("registration = %+v", res)
	}

	w := do(t, router, member, http.MethodGet, "/guilds/g1/characters/u1?name=aria", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("find = %d", w.Code)
	}
	var doc models.CharacterDocument
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.CharName != "Aria" || doc.Location != res.Document.Location {
		t.Errorf("found = %+v", doc)
	}

	w = do(t, router, member, http.MethodGet, sheetPath(doc.Location), nil)
	if w.Code != http.StatusOK {
		t.Errorf("sheet = %d", w.Code)
	}

	w = do(t, router, member, http.MethodGet, "/guilds/g1/characters", nil)
	var list CharacterListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Errorf("total = %d, want 1", list.Total)
	}
}

func TestDuplicateName(t *testing.T) {
	router := testEnv(t, "", openGuild())
	registerViaAPI(t, router, member, "Aria")

	w := do(t, router, member, http.MethodPost, "/guilds/g1/registrations/pages", wizard.Submission{
		Page:   1,
		Values: map[string]string{wizard.FieldName: "ARIA"},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", w.Code)
	}
}

func TestEditTextRoundTrip(t *testing.T) {
	router := testEnv(t, "", openGuild())
	loc := registerViaAPI(t, router, member, "Aria").Document.Location

	w := do(t, router, member, http.MethodGet, sheetPath(loc)+"/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("edit text = %d", w.Code)
	}
	var text EditTextResponse
	_ = json.Unmarshal(w.Body.Bytes(), &text)
	if text.Text != "- str: 10\n- dex: 20\n- will: str+dex\n" {
		t.Errorf("text = %q", text.Text)
	}

	w = do(t, router, member, http.MethodPut, sheetPath(loc)+"/stats", EditTextRequest{Text: "- str: 12\n- dex: 18"})
	if w.Code != http.StatusOK {
		t.Fatalf("submit = %d, body = %s", w.Code, w.Body.String())
	}
	var res EditResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Delta.Changed) != 2 {
		t.Errorf("delta = %+v", res.Delta)
	}
}

func TestEditValidationError(t *testing.T) {
	router := testEnv(t, "", openGuild())
	loc := registerViaAPI(t, router, member, "Aria").Document.Location

	w := do(t, router, member, http.MethodPut, sheetPath(loc)+"/stats", EditTextRequest{Text: "- str: 99"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of bounds = %d, want 400", w.Code)
	}
	w = do(t, router, member, http.MethodPut, sheetPath(loc)+"/notes", EditTextRequest{Text: "- a: b"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown group = %d, want 400", w.Code)
	}
}

func TestEditForbiddenForStranger(t *testing.T) {
	router := testEnv(t, "", openGuild())
	loc := registerViaAPI(t, router, member, "Aria").Document.Location

	w := do(t, router, models.Actor{ID: "u2"}, http.MethodPut, sheetPath(loc)+"/stats", EditTextRequest{Text: "- str: 11"})
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger edit = %d, want 403", w.Code)
	}
}

func TestModeratedEditAndResolve(t *testing.T) {
	settings := openGuild()
	settings.Moderation = true
	settings.ModerationChannel = "mods"
	router := testEnv(t, "", settings)

	// The pending registration is approved first.
	reg := registerViaAPI(t, router, member, "Aria")
	if reg.Ticket == nil {
		t.Fatalf("registration = %+v", reg)
	}
	prompt := "/guilds/g1/tickets/" + reg.Ticket.Prompt.ChannelID + "/" + reg.Ticket.Prompt.MessageID
	if w := do(t, router, member, http.MethodPost, prompt+"/approve", nil); w.Code != http.StatusForbidden {
		t.Errorf("member approve = %d, want 403", w.Code)
	}
	if w := do(t, router, moderator, http.MethodPost, prompt+"/approve", nil); w.Code != http.StatusOK {
		t.Fatalf("approve = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, router, moderator, http.MethodPost, prompt+"/approve", nil); w.Code != http.StatusConflict {
		t.Errorf("second approve = %d, want 409", w.Code)
	}

	w := do(t, router, member, http.MethodPost, sheetPath(reg.Step.Location)+"/macros", AddMacroRequest{Name: "atk", Expr: "1d20+str"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("add macro = %d, body = %s", w.Code, w.Body.String())
	}
	var res EditResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Ticket == nil || res.Ticket.Kind != models.TicketDiceAdd {
		t.Fatalf("edit = %+v", res)
	}

	w = do(t, router, member, http.MethodGet, sheetPath(reg.Step.Location)+"/ticket", nil)
	if w.Code != http.StatusOK {
		t.Errorf("pending ticket = %d", w.Code)
	}

	prompt = "/guilds/g1/tickets/" + res.Ticket.Prompt.ChannelID + "/" + res.Ticket.Prompt.MessageID
	w = do(t, router, member, http.MethodPost, prompt+"/cancel", ResolveRequest{Target: reg.Step.Location.Key()})
	if w.Code != http.StatusOK {
		t.Errorf("cancel = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRenameAndDelete(t *testing.T) {
	router := testEnv(t, "", openGuild())
	loc := registerViaAPI(t, router, member, "Aria").Document.Location

	w := do(t, router, member, http.MethodPatch, sheetPath(loc), RenameRequest{Name: "Bryn"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, member, http.MethodDelete, sheetPath(loc), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = do(t, router, member, http.MethodGet, sheetPath(loc), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted sheet = %d, want 404", w.Code)
	}
}

func TestSettingsRequireModerator(t *testing.T) {
	router := testEnv(t, "", openGuild())

	w := do(t, router, member, http.MethodPut, "/guilds/g1/settings", guild.Settings{Moderation: true})
	if w.Code != http.StatusForbidden {
		t.Errorf("member settings = %d, want 403", w.Code)
	}
	w = do(t, router, moderator, http.MethodPut, "/guilds/g1/settings", guild.Settings{Moderation: true})
	if w.Code != http.StatusOK {
		t.Errorf("moderator settings = %d", w.Code)
	}
	w = do(t, router, member, http.MethodGet, "/guilds/g1/settings", nil)
	var st guild.Settings
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if !st.Moderation {
		t.Error("settings not stored")
	}
}

func TestGetTemplate_NotFound(t *testing.T) {
	router := testEnv(t, "", openGuild())

	w := do(t, router, member, http.MethodGet, "/guilds/other/template", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing template = %d, want 404", w.Code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	router := testEnv(t, "", openGuild())

	req := httptest.NewRequest(http.MethodPost, "/guilds/g1/registrations/pages", bytes.NewReader([]byte("{")))
	req.Header.Set(HeaderActorID, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", w.Code)
	}
}

func TestActorMiddleware_MissingActor(t *testing.T) {
	router := testEnv(t, "", openGuild())

	w := do(t, router, models.Actor{}, http.MethodGet, "/guilds/g1/characters", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no actor = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	router := testEnv(t, "secret123", openGuild())

	req := httptest.NewRequest(http.MethodGet, "/guilds/g1/characters", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	req.Header.Set(HeaderActorID, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	router := testEnv(t, "secret123", openGuild())

	w := do(t, router, member, http.MethodGet, "/guilds/g1/characters", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	router := testEnv(t, "secret123", openGuild())

	req := httptest.NewRequest(http.MethodGet, "/guilds/g1/characters", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set(HeaderActorID, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

// SSE endpoint auth tests.

func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, "secret", openGuild(), sseStub())

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, "tok", openGuild(), sseStub())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
