package api

import (
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheetservice"
)

// EditTextRequest resubmits a whole field group.
type EditTextRequest struct {
	Text string `json:"text" example:"- str: 12\n- dex: x" validate:"required"`
}

// EditTextResponse is the pre-filled text of a field group.
type EditTextResponse struct {
	Group models.GroupKind `json:"group" example:"stats" validate:"required"`
	Text  string           `json:"text" example:"- str: 10\n- will: str+dex" validate:"required"`
}

// AddMacroRequest adds a single macro.
type AddMacroRequest struct {
	Name string `json:"name" example:"atk" validate:"required"`
	Expr string `json:"expr" example:"1d20+str" validate:"required"`
}

// RenameRequest changes the character name. An empty name makes the
// character the owner's default one.
type RenameRequest struct {
	Name string `json:"name" example:"Aria"`
}

// ResolveRequest optionally carries the target location when the caller
// knows it.
type ResolveRequest struct {
	Target string `json:"target,omitempty" example:"sheets/01J9Z6"`
}

// EditResponse is the outcome of an edit (aliased from the domain layer).
type EditResponse = sheetservice.EditResult

// RegistrationResponse is the outcome of a wizard page (aliased from the domain layer).
type RegistrationResponse = sheetservice.RegistrationResult

// CharacterListResponse wraps a character listing.
type CharacterListResponse struct {
	Characters []*models.CharacterDocument `json:"characters" validate:"required"`
	Total      int                         `json:"total" example:"3" validate:"required"`
}
