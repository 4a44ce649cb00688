package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceKind is the stored code for a label's provenance.
type SourceKind string

const (
	SourceKindManual       SourceKind = "MANUAL"
	SourceKindEvaluator    SourceKind = "AUTO"
	SourceKindProgrammatic SourceKind = "CODE"
)

// LabelSource says who or what produced a label value. It is a closed set:
// ManualSource, EvaluatorSource and ProgrammaticSource are the only variants.
type LabelSource interface {
	Kind() SourceKind
	isLabelSource()
}

// ManualSource is a label written by a human annotator.
type ManualSource struct {
	UserEmail string
}

// EvaluatorSource is a label computed by an automated evaluator.
type EvaluatorSource struct{}

// ProgrammaticSource is a label written by any other programmatic caller.
type ProgrammaticSource struct{}

func (ManualSource) Kind() SourceKind       { return SourceKindManual }
func (EvaluatorSource) Kind() SourceKind    { return SourceKindEvaluator }
func (ProgrammaticSource) Kind() SourceKind { return SourceKindProgrammatic }

func (ManualSource) isLabelSource()       {}
func (EvaluatorSource) isLabelSource()    {}
func (ProgrammaticSource) isLabelSource() {}

// UserEmail returns the author email for manual sources and nil otherwise.
func UserEmail(src LabelSource) *string {
	if m, ok := src.(ManualSource); ok && m.UserEmail != "" {
		email := m.UserEmail
		return &email
	}
	return nil
}

// SourceFromStored rebuilds a LabelSource from its stored code and the
// optional user_email column.
func SourceFromStored(kind string, userEmail *string) (LabelSource, error) {
	switch SourceKind(kind) {
	case SourceKindManual:
		src := ManualSource{}
		if userEmail != nil {
			src.UserEmail = *userEmail
		}
		return src, nil
	case SourceKindEvaluator:
		return EvaluatorSource{}, nil
	case SourceKindProgrammatic:
		return ProgrammaticSource{}, nil
	default:
		return nil, fmt.Errorf("unknown label source %q", kind)
	}
}

// ParseSourceKind maps an API string to a SourceKind. Both the stored codes
// and the long names are accepted.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "MANUAL", "manual":
		return SourceKindManual, nil
	case "AUTO", "evaluator":
		return SourceKindEvaluator, nil
	case "CODE", "programmatic":
		return SourceKindProgrammatic, nil
	default:
		return "", fmt.Errorf("unknown label source %q", s)
	}
}

// Label is the authoritative current value of one annotation on one span.
// A given ID names a single logical label whose value, source and reasoning
// are updated in place.
type Label struct {
	ID        uuid.UUID
	SpanID    uuid.UUID
	ClassID   uuid.UUID
	Value     float64
	Source    LabelSource
	Reasoning *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LabelView is the JSON rendering of a Label.
type LabelView struct {
	ID          uuid.UUID  `json:"id"`
	SpanID      uuid.UUID  `json:"span_id"`
	ClassID     uuid.UUID  `json:"class_id"`
	Value       float64    `json:"value"`
	LabelSource SourceKind `json:"label_source"`
	UserEmail   *string    `json:"user_email,omitempty"`
	Reasoning   *string    `json:"reasoning,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// View converts the label to its JSON form.
func (l Label) View() LabelView {
	v := LabelView{
		ID:        l.ID,
		SpanID:    l.SpanID,
		ClassID:   l.ClassID,
		Value:     l.Value,
		Reasoning: l.Reasoning,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
	if l.Source != nil {
		v.LabelSource = l.Source.Kind()
		v.UserEmail = UserEmail(l.Source)
	}
	return v
}

// LabelEvent is one immutable record of a label write. The analytics store
// keeps one per write call, including repeated writes to the same label.
type LabelEvent struct {
	WriteID     uuid.UUID  `json:"write_id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	ClassID     uuid.UUID  `json:"class_id"`
	LabelID     uuid.UUID  `json:"label_id"`
	LabelName   string     `json:"label_name"`
	LabelSource SourceKind `json:"label_source"`
	ValueKey    string     `json:"value_key"`
	Value       float64    `json:"value"`
	SpanID      uuid.UUID  `json:"span_id"`
	RecordedAt  time.Time  `json:"recorded_at"`
}
