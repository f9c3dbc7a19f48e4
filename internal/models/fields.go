package models

// Stat is one statistic entry. Combination entries are derived from base
// entries through Formula and are never requested from the user.
type Stat struct {
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	IsCombination bool    `json:"isCombination,omitempty"`
	Formula       string  `json:"formula,omitempty"`
}

// Display returns the value as rendered on the document.
func (s Stat) Display() string {
	return FormatNumber(s.Value)
}

// StatBlock is an ordered set of statistics keyed by normalized name.
type StatBlock []Stat

func (b StatBlock) index(name string) int {
	key := NormalizeName(name)
	for i, s := range b {
		if NormalizeName(s.Name) == key {
			return i
		}
	}
	return -1
}

// Get returns the statistic with the given name.
func (b StatBlock) Get(name string) (Stat, bool) {
	if i := b.index(name); i >= 0 {
		return b[i], true
	}
	return Stat{}, false
}

// Set replaces the entry with the same normalized name or appends it.
func (b StatBlock) Set(s Stat) StatBlock {
	if i := b.index(s.Name); i >= 0 {
		b[i] = s
		return b
	}
	return append(b, s)
}

// Delete removes the named entry and reports whether it existed.
func (b StatBlock) Delete(name string) (StatBlock, bool) {
	i := b.index(name)
	if i < 0 {
		return b, false
	}
	return append(b[:i:i], b[i+1:]...), true
}

// Base returns the non-combination entries as a normalized name → value map.
func (b StatBlock) Base() map[string]float64 {
	out := make(map[string]float64, len(b))
	for _, s := range b {
		if !s.IsCombination {
			out[NormalizeName(s.Name)] = s.Value
		}
	}
	return out
}

// Values returns every entry as a normalized name → value map.
func (b StatBlock) Values() map[string]float64 {
	out := make(map[string]float64, len(b))
	for _, s := range b {
		out[NormalizeName(s.Name)] = s.Value
	}
	return out
}

// Clone returns a copy that shares no backing array.
func (b StatBlock) Clone() StatBlock {
	if b == nil {
		return nil
	}
	return append(StatBlock(nil), b...)
}

// Macro is a named damage dice expression.
type Macro struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// MacroSet is an ordered set of macros; names are unique ignoring case and accents.
type MacroSet []Macro

func (m MacroSet) index(name string) int {
	key := NormalizeName(name)
	for i, mc := range m {
		if NormalizeName(mc.Name) == key {
			return i
		}
	}
	return -1
}

// Get returns the named macro.
func (m MacroSet) Get(name string) (Macro, bool) {
	if i := m.index(name); i >= 0 {
		return m[i], true
	}
	return Macro{}, false
}

// Set replaces the macro with the same normalized name or appends it.
func (m MacroSet) Set(mc Macro) MacroSet {
	if i := m.index(mc.Name); i >= 0 {
		m[i] = mc
		return m
	}
	return append(m, mc)
}

// Delete removes the named macro and reports whether it existed.
func (m MacroSet) Delete(name string) (MacroSet, bool) {
	i := m.index(name)
	if i < 0 {
		return m, false
	}
	return append(m[:i:i], m[i+1:]...), true
}

// Names returns the normalized macro names in order.
func (m MacroSet) Names() []string {
	out := make([]string, len(m))
	for i, mc := range m {
		out[i] = NormalizeName(mc.Name)
	}
	return out
}

// Clone returns a copy that shares no backing array.
func (m MacroSet) Clone() MacroSet {
	if m == nil {
		return nil
	}
	return append(MacroSet(nil), m...)
}
