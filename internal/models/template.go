package models

import (
	"errors"
	"fmt"
	"math"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// StatRule declares one statistic of a guild template. A rule with a
// Combination formula is derived and never entered by the user.
type StatRule struct {
	Name        string   `json:"name" yaml:"name"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Combination string   `json:"combination,omitempty" yaml:"combination,omitempty"`
}

// IsCombination reports whether the rule is derived.
func (r StatRule) IsCombination() bool { return r.Combination != "" }

// Critical holds the natural-roll thresholds of the template dice.
type Critical struct {
	Success int `json:"success,omitempty" yaml:"success,omitempty"`
	Failure int `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// Template is the guild character template.
type Template struct {
	DiceType     string     `json:"diceType" yaml:"dice_type"`
	Critical     Critical   `json:"critical" yaml:"critical"`
	Total        float64    `json:"total,omitempty" yaml:"total,omitempty"`
	ForceDistrib bool       `json:"forceDistrib,omitempty" yaml:"force_distrib,omitempty"`
	Stats        []StatRule `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// Validate checks the template structure.
func (t *Template) Validate() error {
	if err := validation.ValidateStruct(t,
		validation.Field(&t.DiceType, validation.Required),
		validation.Field(&t.Total, validation.Min(0.0), validation.By(wholeNumber)),
	); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(t.Stats))
	for _, r := range t.Stats {
		key := NormalizeName(r.Name)
		if key == "" {
			return errors.New("stats: name is required")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("stats: duplicate statistic %q", r.Name)
		}
		seen[key] = struct{}{}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("stats: %q has min greater than max", r.Name)
		}
	}
	return nil
}

func wholeNumber(value interface{}) error {
	if v, _ := value.(float64); v != math.Trunc(v) {
		return errors.New("must be a whole number")
	}
	return nil
}

// Binding returns the fields copied into a character at creation.
func (t *Template) Binding() TemplateBinding {
	return TemplateBinding{
		DiceType:        t.DiceType,
		CriticalSuccess: t.Critical.Success,
		CriticalFailure: t.Critical.Failure,
	}
}

// BaseStats returns the rules the user fills in, in declaration order.
func (t *Template) BaseStats() []StatRule {
	var out []StatRule
	for _, r := range t.Stats {
		if !r.IsCombination() {
			out = append(out, r)
		}
	}
	return out
}

// Combinations returns the derived rules in declaration order.
func (t *Template) Combinations() []StatRule {
	var out []StatRule
	for _, r := range t.Stats {
		if r.IsCombination() {
			out = append(out, r)
		}
	}
	return out
}

// Rule looks up a statistic rule by name.
func (t *Template) Rule(name string) (StatRule, bool) {
	key := NormalizeName(name)
	for _, r := range t.Stats {
		if NormalizeName(r.Name) == key {
			return r, true
		}
	}
	return StatRule{}, false
}

// CheckValue validates a base statistic value against its rule: it must be a
// whole number within [min, max] when declared, and may only be negative when
// the rule's minimum is itself negative.
func (r StatRule) CheckValue(v float64) error {
	if v != math.Trunc(v) {
		return fmt.Errorf("%s: %s is not a whole number", r.Name, FormatNumber(v))
	}
	if r.Min != nil && v < *r.Min {
		return fmt.Errorf("%s: %s is below the minimum %s", r.Name, FormatNumber(v), FormatNumber(*r.Min))
	}
	if r.Max != nil && v > *r.Max {
		return fmt.Errorf("%s: %s is above the maximum %s", r.Name, FormatNumber(v), FormatNumber(*r.Max))
	}
	if v < 0 && !r.AllowsNegative() {
		return fmt.Errorf("%s: negative values are not allowed", r.Name)
	}
	return nil
}

// AllowsNegative reports whether the rule declares a negative minimum.
func (r StatRule) AllowsNegative() bool {
	return r.Min != nil && *r.Min < 0
}

// PointBudget is derived from the template total and the base statistics.
type PointBudget struct {
	Total            float64 `json:"total"`
	Allocated        float64 `json:"allocated"`
	Remaining        float64 `json:"remaining"`
	AllowNegativeMin bool    `json:"allowNegativeMin,omitempty"`
}

// Active reports whether the budget is enforced.
func (b PointBudget) Active() bool { return b.Total != 0 }

// Budget computes the point budget over the non-combination entries of stats.
func (t *Template) Budget(stats StatBlock) PointBudget {
	b := PointBudget{Total: t.Total}
	for _, s := range stats {
		if !s.IsCombination {
			b.Allocated += s.Value
		}
	}
	b.Remaining = b.Total - b.Allocated
	for _, r := range t.Stats {
		if r.AllowsNegative() {
			b.AllowNegativeMin = true
			break
		}
	}
	return b
}
