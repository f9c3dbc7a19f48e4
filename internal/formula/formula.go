// Package formula evaluates statistic formulas and validates dice expressions.
//
// Names are substituted by their values before evaluation, so the evaluator
// only ever sees plain arithmetic. Arithmetic is delegated to CUE.
package formula

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/starford/charsheet/internal/models"
)

// Service is the formula collaborator consumed by the wizard and the edit engine.
type Service interface {
	// EvaluateFormula computes expr with vars bound by normalized name.
	EvaluateFormula(expr string, vars map[string]float64) (float64, error)
	// ValidateDiceExpression checks that expr is a well-formed dice expression
	// once the given statistics are substituted.
	ValidateDiceExpression(expr string, stats map[string]float64) error
}

var (
	ErrEmpty       = errors.New("empty expression")
	ErrNotNumeric  = errors.New("expression does not evaluate to a number")
	ErrUnknownName = errors.New("expression references an unknown name")
	ErrNoDice      = errors.New("expression contains no dice")
)

var (
	arithmeticRe = regexp.MustCompile(`^[0-9.+\-*/() ]+$`)
	diceRe       = regexp.MustCompile(`\d*d(\d+|%)`)
	// Comparison suffixes ("2d6>=4") and explode/keep markers are not part of
	// the arithmetic value.
	comparatorRe = regexp.MustCompile(`(>=|<=|!=|==|>|<|=)\s*-?\d+(\.\d+)?`)
	modifierRe   = regexp.MustCompile(`(\d)(kh|kl|k|!)\d*`)
)

// CUE implements Service on top of a CUE runtime.
type CUE struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// New returns a CUE-backed formula service.
func New() *CUE {
	return &CUE{ctx: cuecontext.New()}
}

var _ Service = (*CUE)(nil)

// EvaluateFormula substitutes vars into expr and evaluates the result.
func (c *CUE) EvaluateFormula(expr string, vars map[string]float64) (float64, error) {
	src := Substitute(models.NormalizeName(expr), vars)
	if strings.TrimSpace(src) == "" {
		return 0, ErrEmpty
	}
	return c.eval(src)
}

// ValidateDiceExpression accepts expressions such as "1d6+str", "2d8>=5" or
// "d%+3" where str is a known statistic.
func (c *CUE) ValidateDiceExpression(expr string, stats map[string]float64) error {
	src := Substitute(models.NormalizeName(expr), stats)
	if strings.TrimSpace(src) == "" {
		return ErrEmpty
	}
	if !diceRe.MatchString(src) {
		return ErrNoDice
	}
	src = comparatorRe.ReplaceAllString(src, "")
	src = modifierRe.ReplaceAllString(src, "$1")
	src = diceRe.ReplaceAllString(src, "1")
	_, err := c.eval(src)
	return err
}

func (c *CUE) eval(src string) (float64, error) {
	src = strings.TrimSpace(src)
	if !arithmeticRe.MatchString(src) {
		if strings.IndexFunc(src, unicode.IsLetter) >= 0 {
			return 0, ErrUnknownName
		}
		return 0, fmt.Errorf("unsupported characters in %q", src)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return 0, fmt.Errorf("formula: %w", err)
	}
	if k := v.Kind(); k != cue.IntKind && k != cue.FloatKind && k != cue.NumberKind {
		return 0, ErrNotNumeric
	}
	f, err := v.Float64()
	if err != nil {
		return 0, fmt.Errorf("formula: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumeric
	}
	return f, nil
}

// Substitute replaces every whole-word occurrence of a name in expr by its
// value in parentheses. Longer names are replaced first so that "strength"
// is not mangled by a "str" binding.
func Substitute(expr string, vars map[string]float64) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		expr = replaceWord(expr, name, "("+models.FormatNumber(vars[name])+")")
	}
	return expr
}

func replaceWord(s, word, repl string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, word)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(word)
		if isWordBoundary(s, i, end) {
			b.WriteString(s[:i])
			b.WriteString(repl)
		} else {
			b.WriteString(s[:end])
		}
		s = s[end:]
	}
}

func isWordBoundary(s string, start, end int) bool {
	if start > 0 && isWordRune(lastRune(s[:start])) {
		return false
	}
	if end < len(s) && isWordRune([]rune(s[end:])[0]) {
		return false
	}
	return true
}

func lastRune(s string) rune {
	r := []rune(s)
	return r[len(r)-1]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
