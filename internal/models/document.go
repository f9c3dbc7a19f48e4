package models

// DocKind distinguishes rendered character sheets from moderation proposals.
type DocKind string

const (
	DocCharacter DocKind = "character"
	DocProposal  DocKind = "proposal"
)

// Affordances shown on a rendered document.
const (
	ActionContinue   = "continue"
	ActionEditStats  = "edit-stats"
	ActionEditMacros = "edit-macros"
	ActionAddMacro   = "add-macro"
)

// Field is one rendered name/value line.
type Field struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Section is a titled group of fields.
type Section struct {
	Title  string  `json:"title" yaml:"title"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Document is the platform-side rendering of a character or a proposal. It is
// the canonical source every other store can be rebuilt from.
type Document struct {
	Kind     DocKind   `json:"kind" yaml:"kind"`
	Guild    string    `json:"guild" yaml:"guild"`
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Location Location  `json:"location" yaml:"-"`
	Sections []Section `json:"sections,omitempty" yaml:"-"`
	Footer   string    `json:"footer,omitempty" yaml:"footer,omitempty"`
	Metadata string    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Actions  []string  `json:"actions,omitempty" yaml:"actions,omitempty"`
	Checksum string    `json:"checksum,omitempty" yaml:"-"`
}

// Section returns the section with the given title.
func (d *Document) Section(title string) (Section, bool) {
	for _, s := range d.Sections {
		if s.Title == title {
			return s, true
		}
	}
	return Section{}, false
}

// SetSection replaces the section with the same title or appends it. An
// empty section is removed instead.
func (d *Document) SetSection(s Section) {
	if len(s.Fields) == 0 {
		d.RemoveSection(s.Title)
		return
	}
	for i := range d.Sections {
		if d.Sections[i].Title == s.Title {
			d.Sections[i] = s
			return
		}
	}
	d.Sections = append(d.Sections, s)
}

// RemoveSection drops the section with the given title.
func (d *Document) RemoveSection(title string) {
	out := d.Sections[:0]
	for _, s := range d.Sections {
		if s.Title != title {
			out = append(out, s)
		}
	}
	d.Sections = out
}

// HasAction reports whether the affordance is shown.
func (d *Document) HasAction(action string) bool {
	for _, a := range d.Actions {
		if a == action {
			return true
		}
	}
	return false
}
