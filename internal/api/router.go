package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/charsheet/internal/sheetservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *sheetservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Route("/guilds/{guild}", func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
		r.Get("/template", h.GetTemplate)
		r.Put("/template", h.PutTemplate)

		// Registration wizard.
		r.Post("/registrations", h.BeginRegistration)
		r.Post("/registrations/pages", h.SubmitRegistrationPage)

		r.Get("/characters", h.ListCharacters)
		r.Get("/characters/{owner}", h.FindCharacter)

		// Rendered sheets, addressed by location.
		r.Route("/sheets/{channel}/{message}", func(r chi.Router) {
			r.Get("/", h.GetSheet)
			r.Patch("/", h.RenameSheet)
			r.Delete("/", h.DeleteSheet)
			r.Get("/ticket", h.GetPendingTicket)
			r.Post("/macros", h.AddMacro)
			r.Get("/{group}", h.GetEditText)
			r.Put("/{group}", h.SubmitEditText)
		})

		r.Post("/tickets/{channel}/{message}/{action}", h.ResolveTicket)
	})

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
