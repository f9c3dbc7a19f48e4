// Package edit reconciles a free-text resubmission of a field group with the
// current character. Apply is pure: it either returns the complete next field
// set or an error, never a partial result.
package edit

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/parser"
)

// Input is one edit submission.
type Input struct {
	Group models.GroupKind
	Raw   string
	// Template may be nil when the guild has none.
	Template *models.Template
	Stats    models.StatBlock
	Macros   models.MacroSet
	// AddOnly rejects entries that would change or delete an existing field.
	AddOnly bool
}

// Result is the next field set of the edited group.
type Result struct {
	Delta  models.EditDelta
	Stats  models.StatBlock
	Macros models.MacroSet
	// Dropped is set when no field of the group remains.
	Dropped bool
}

// Fields returns the size of the resulting group.
func (r *Result) Fields() int {
	if r.Stats != nil {
		return len(r.Stats)
	}
	return len(r.Macros)
}

// Pasted combination lines may still carry their rendered value.
var renderedValueRe = regexp.MustCompile(`\s*=\s*-?[0-9]+(\.[0-9]+)?$`)

// IsDeletion reports whether value marks the entry for removal.
func IsDeletion(value string) bool {
	v := strings.TrimSpace(value)
	return v == "" || v == "0" || strings.EqualFold(v, "x")
}

// Apply validates the whole submission and computes the next field set.
func Apply(in Input, f formula.Service) (*Result, error) {
	if !in.Group.Valid() {
		return nil, apperr.Validation("unknown field group %q", in.Group)
	}
	entries := parser.ParseLines(in.Raw)
	if len(entries) == 0 && strings.TrimSpace(in.Raw) != "" {
		return nil, apperr.Validation("no \"name: value\" line found")
	}
	if in.Group == models.GroupStats {
		return applyStats(in, entries, f)
	}
	return applyMacros(in, entries, f)
}

func applyStats(in Input, entries []parser.Entry, f formula.Service) (*Result, error) {
	next := in.Stats.Clone()
	for _, e := range entries {
		_, exists := next.Get(e.Name)
		if in.AddOnly && exists {
			return nil, apperr.Validation("statistic %q already exists", e.Name)
		}
		if IsDeletion(e.Value) {
			if in.AddOnly {
				return nil, apperr.Validation("statistic %q: a value is required", e.Name)
			}
			next, _ = next.Delete(e.Name)
			continue
		}

		rule, known := ruleFor(in.Template, e.Name)
		if !known {
			return nil, apperr.Validation("statistic %q is not part of the template", e.Name)
		}
		raw := renderedValueRe.ReplaceAllString(e.Value, "")
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			if rule.IsCombination() {
				return nil, apperr.Validation("statistic %q is computed from %q and cannot be set", e.Name, rule.Combination)
			}
			if err := rule.CheckValue(v); err != nil {
				return nil, apperr.Validation("%v", err)
			}
			next = next.Set(models.Stat{Name: displayName(next, e.Name), Value: v})
			continue
		}
		next = next.Set(models.Stat{Name: displayName(next, e.Name), IsCombination: true, Formula: strings.TrimSpace(raw)})
	}

	base := next.Base()
	for i, s := range next {
		if !s.IsCombination {
			continue
		}
		v, err := f.EvaluateFormula(s.Formula, base)
		if err != nil {
			return nil, &apperr.FormulaError{Name: s.Name, Expr: s.Formula, Err: err}
		}
		next[i].Value = v
	}

	res := &Result{Stats: next, Dropped: len(next) == 0}
	res.Delta = diffStats(in.Stats, next)
	return res, nil
}

func applyMacros(in Input, entries []parser.Entry, f formula.Service) (*Result, error) {
	stats := in.Stats.Values()
	next := in.Macros.Clone()
	for _, e := range entries {
		_, exists := next.Get(e.Name)
		if in.AddOnly && exists {
			return nil, apperr.Validation("macro %q already exists", e.Name)
		}
		if IsDeletion(e.Value) {
			if in.AddOnly {
				return nil, apperr.Validation("macro %q: an expression is required", e.Name)
			}
			next, _ = next.Delete(e.Name)
			continue
		}
		expr := strings.TrimSpace(e.Value)
		if err := f.ValidateDiceExpression(expr, stats); err != nil {
			return nil, &apperr.FormulaError{Name: e.Name, Expr: expr, Err: err}
		}
		name := e.Name
		if old, ok := next.Get(e.Name); ok {
			name = old.Name
		}
		next = next.Set(models.Macro{Name: name, Expr: expr})
	}

	res := &Result{Macros: next, Dropped: len(next) == 0}
	res.Delta = diffMacros(in.Macros, next)
	return res, nil
}

// ruleFor accepts any name when the template declares no statistics.
func ruleFor(t *models.Template, name string) (models.StatRule, bool) {
	if t == nil || len(t.Stats) == 0 {
		return models.StatRule{Name: name}, true
	}
	return t.Rule(name)
}

// displayName keeps the casing of an existing entry.
func displayName(stats models.StatBlock, name string) string {
	if s, ok := stats.Get(name); ok {
		return s.Name
	}
	return name
}

func diffStats(prev, next models.StatBlock) models.EditDelta {
	var d models.EditDelta
	for _, s := range next {
		old, ok := prev.Get(s.Name)
		switch {
		case !ok:
			d.Added = append(d.Added, s.Name)
		case old.Value != s.Value || old.Formula != s.Formula || old.IsCombination != s.IsCombination:
			d.Changed = append(d.Changed, s.Name)
		}
	}
	for _, s := range prev {
		if _, ok := next.Get(s.Name); !ok {
			d.Removed = append(d.Removed, s.Name)
		}
	}
	d.Summarize()
	return d
}

func diffMacros(prev, next models.MacroSet) models.EditDelta {
	var d models.EditDelta
	for _, m := range next {
		old, ok := prev.Get(m.Name)
		switch {
		case !ok:
			d.Added = append(d.Added, m.Name)
		case old.Expr != m.Expr:
			d.Changed = append(d.Changed, m.Name)
		}
	}
	for _, m := range prev {
		if _, ok := next.Get(m.Name); !ok {
			d.Removed = append(d.Removed, m.Name)
		}
	}
	d.Summarize()
	return d
}
