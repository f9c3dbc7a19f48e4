// Package guild gives typed access to the per-guild records: settings, the
// character template and the character index.
package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/records"
)

const (
	pathSettings   = "settings"
	pathTemplate   = "template"
	pathCharacters = "characters"
)

var channelRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Settings are the guild-level switches consulted by the wizard, the
// moderation gate and the audit log.
type Settings struct {
	AllowSelfRegister bool   `json:"allowSelfRegister"`
	Moderation        bool   `json:"moderation"`
	LogChannel        string `json:"logs,omitempty"`
	ModerationChannel string `json:"moderationChannel,omitempty"`
	DefaultChannel    string `json:"defaultChannel,omitempty"`
	PrivateChannel    string `json:"privateChannel,omitempty"`
}

// Validate checks channel identifiers.
func (s *Settings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.LogChannel, validation.Match(channelRe)),
		validation.Field(&s.ModerationChannel, validation.Match(channelRe)),
		validation.Field(&s.DefaultChannel, validation.Match(channelRe)),
		validation.Field(&s.PrivateChannel, validation.Match(channelRe)),
	)
}

// ProposalChannel is where moderation prompts are rendered.
func (s Settings) ProposalChannel(fallback string) string {
	switch {
	case s.ModerationChannel != "":
		return s.ModerationChannel
	case s.LogChannel != "":
		return s.LogChannel
	}
	return fallback
}

// CharacterRecord is the identity index entry of one character.
type CharacterRecord struct {
	Owner     string          `json:"owner"`
	CharName  string          `json:"charName,omitempty"`
	Key       string          `json:"key"`
	Location  models.Location `json:"location"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
	Macros    []string        `json:"macros,omitempty"`
}

// RecordOf builds the index entry of a character document.
func RecordOf(doc *models.CharacterDocument) CharacterRecord {
	return CharacterRecord{
		Owner:     doc.OwnerID,
		CharName:  doc.CharName,
		Key:       doc.NameKey(),
		Location:  doc.Location,
		IsPrivate: doc.IsPrivate,
		Macros:    doc.Macros.Names(),
	}
}

// Store wraps a records.Store with guild semantics.
type Store struct {
	rec records.Store
}

// New creates a guild store.
func New(rec records.Store) *Store {
	return &Store{rec: rec}
}

// Settings returns the guild settings; a guild without settings gets the zero value.
func (s *Store) Settings(ctx context.Context, guild string) (Settings, error) {
	var out Settings
	res, err := s.rec.Get(ctx, guild, pathSettings)
	if err != nil {
		return out, err
	}
	if !res.Exists() {
		return out, nil
	}
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return out, fmt.Errorf("guild: decode settings: %w", err)
	}
	return out, nil
}

// PutSettings validates and stores the guild settings.
func (s *Store) PutSettings(ctx context.Context, guild string, st Settings) error {
	if err := st.Validate(); err != nil {
		return apperr.Validation("settings: %v", err)
	}
	return s.rec.Set(ctx, guild, pathSettings, st)
}

// Template returns the guild template or apperr.ErrNotFound.
func (s *Store) Template(ctx context.Context, guild string) (*models.Template, error) {
	res, err := s.rec.Get(ctx, guild, pathTemplate)
	if err != nil {
		return nil, err
	}
	if !res.Exists() {
		return nil, fmt.Errorf("guild %s template: %w", guild, apperr.ErrNotFound)
	}
	var t models.Template
	if err := json.Unmarshal([]byte(res.Raw), &t); err != nil {
		return nil, fmt.Errorf("guild: decode template: %w", err)
	}
	return &t, nil
}

// PutTemplate validates and stores the guild template.
func (s *Store) PutTemplate(ctx context.Context, guild string, t *models.Template) error {
	if err := t.Validate(); err != nil {
		return apperr.Validation("template: %v", err)
	}
	return s.rec.Set(ctx, guild, pathTemplate, t)
}

func decodeCharacters(doc string) ([]CharacterRecord, error) {
	var out []CharacterRecord
	var decodeErr error
	gjson.Get(doc, pathCharacters).ForEach(func(_, v gjson.Result) bool {
		var r CharacterRecord
		if err := json.Unmarshal([]byte(v.Raw), &r); err != nil {
			decodeErr = fmt.Errorf("guild: decode character: %w", err)
			return false
		}
		out = append(out, r)
		return true
	})
	return out, decodeErr
}

// Characters returns the index entries of owner ("" for every owner).
func (s *Store) Characters(ctx context.Context, guild, owner string) ([]CharacterRecord, error) {
	res, err := s.rec.Get(ctx, guild, "")
	if err != nil {
		return nil, err
	}
	all, err := decodeCharacters(res.Raw)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return all, nil
	}
	var out []CharacterRecord
	for _, r := range all {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

// Find returns the index entry for (owner, charName).
func (s *Store) Find(ctx context.Context, guild, owner, charName string) (CharacterRecord, error) {
	recs, err := s.Characters(ctx, guild, owner)
	if err != nil {
		return CharacterRecord{}, err
	}
	key := models.NormalizeName(charName)
	for _, r := range recs {
		if r.Key == key {
			return r, nil
		}
	}
	return CharacterRecord{}, fmt.Errorf("character %q of %s: %w", charName, owner, apperr.ErrNotFound)
}

// ByLocation returns the index entry stored for loc.
func (s *Store) ByLocation(ctx context.Context, guild string, loc models.Location) (CharacterRecord, error) {
	recs, err := s.Characters(ctx, guild, "")
	if err != nil {
		return CharacterRecord{}, err
	}
	for _, r := range recs {
		if r.Location == loc {
			return r, nil
		}
	}
	return CharacterRecord{}, fmt.Errorf("character at %s: %w", loc.Key(), apperr.ErrNotFound)
}

// CheckDuplicate reports apperr.ErrDuplicateName when owner already has a
// character with the same normalized name at another location.
func (s *Store) CheckDuplicate(ctx context.Context, guild string, rec CharacterRecord) error {
	recs, err := s.Characters(ctx, guild, rec.Owner)
	if err != nil {
		return err
	}
	return duplicateIn(recs, rec)
}

func duplicateIn(recs []CharacterRecord, rec CharacterRecord) error {
	for _, r := range recs {
		if r.Owner == rec.Owner && r.Key == rec.Key && r.Location != rec.Location {
			return fmt.Errorf("%w: %s already has a character named %q", apperr.ErrDuplicateName, rec.Owner, rec.CharName)
		}
	}
	return nil
}

// UpsertCharacter stores rec keyed by its location. A duplicate name for the
// same owner aborts without writing anything.
func (s *Store) UpsertCharacter(ctx context.Context, guild string, rec CharacterRecord) error {
	return s.rec.Update(ctx, guild, func(doc string) (string, error) {
		recs, err := decodeCharacters(doc)
		if err != nil {
			return "", err
		}
		if err := duplicateIn(recs, rec); err != nil {
			return "", err
		}
		replaced := false
		for i := range recs {
			if recs[i].Location == rec.Location {
				recs[i] = rec
				replaced = true
			}
		}
		if !replaced {
			recs = append(recs, rec)
		}
		return setCharacters(doc, recs)
	})
}

// RemoveCharacter drops the index entry stored for loc.
func (s *Store) RemoveCharacter(ctx context.Context, guild string, loc models.Location) error {
	return s.rec.Update(ctx, guild, func(doc string) (string, error) {
		recs, err := decodeCharacters(doc)
		if err != nil {
			return "", err
		}
		out := recs[:0]
		for _, r := range recs {
			if r.Location != loc {
				out = append(out, r)
			}
		}
		return setCharacters(doc, out)
	})
}

func setCharacters(doc string, recs []CharacterRecord) (string, error) {
	if recs == nil {
		recs = []CharacterRecord{}
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(doc, pathCharacters, string(raw))
}
