package schema

import "strings"

// Section names of a SOAP note, in display order.
const (
	SectionSubjective = "subjective"
	SectionObjective  = "objective"
	SectionAssessment = "assessment"
	SectionPlan       = "plan"
)

// SectionNames lists the four SOAP sections in canonical order.
var SectionNames = []string{SectionSubjective, SectionObjective, SectionAssessment, SectionPlan}

// NoteSection is one section of a SOAP note. SourceChunk records the last
// chunk sequence that rewrote the section, so the UI can highlight fresh text.
type NoteSection struct {
	Text        string `json:"text"`
	SourceChunk int64  `json:"source_chunk"`
}

// SoapNote is the structured clinical note. The committed note is mutated
// only by the Generating stage, one atomic commit per chunk.
type SoapNote struct {
	Subjective NoteSection `json:"subjective"`
	Objective  NoteSection `json:"objective"`
	Assessment NoteSection `json:"assessment"`
	Plan       NoteSection `json:"plan"`
}

// Section returns a pointer to the named section, or nil for unknown names.
func (n *SoapNote) Section(name string) *NoteSection {
	switch name {
	case SectionSubjective:
		return &n.Subjective
	case SectionObjective:
		return &n.Objective
	case SectionAssessment:
		return &n.Assessment
	case SectionPlan:
		return &n.Plan
	default:
		return nil
	}
}

// IsEmpty reports whether no section has any text.
func (n SoapNote) IsEmpty() bool {
	for _, name := range SectionNames {
		if strings.TrimSpace(n.Section(name).Text) != "" {
			return false
		}
	}
	return true
}

// PlainText renders the note as labeled sections, skipping empty ones.
// Used for safety scanning and edit-distance scoring.
func (n SoapNote) PlainText() string {
	var b strings.Builder
	for _, name := range SectionNames {
		sec := n.Section(name)
		if strings.TrimSpace(sec.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.ToUpper(name[:1]) + name[1:] + ": " + sec.Text)
	}
	return b.String()
}
