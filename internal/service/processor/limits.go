package processor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mode says what happens to a span that exceeds a limit.
type Mode string

const (
	// ModeTruncate cuts the span down to fit, deterministically.
	ModeTruncate Mode = "truncate"
	// ModeReject refuses the span with a *LimitError.
	ModeReject Mode = "reject"
)

// ParseMode accepts "truncate" and "reject".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTruncate, ModeReject:
		return Mode(s), nil
	}
	return "", fmt.Errorf("processor: unknown limit mode %q", s)
}

// Limits bounds the size of one span. Byte limits count UTF-8 bytes.
type Limits struct {
	MaxAttributes          int
	MaxAttributeValueBytes int
	MaxEvents              int
	MaxPayloadBytes        int
	MaxNameLen             int
	Mode                   Mode
}

// Validate rejects non-positive limits and unknown modes.
func (l Limits) Validate() error {
	if l.MaxAttributes <= 0 || l.MaxAttributeValueBytes <= 0 || l.MaxEvents <= 0 ||
		l.MaxPayloadBytes <= 0 || l.MaxNameLen <= 0 {
		return errors.New("processor: limits must be positive")
	}
	if _, err := ParseMode(string(l.Mode)); err != nil {
		return err
	}
	// A truncated payload is re-encoded as a JSON string, which needs room
	// for at least the quotes.
	if l.MaxPayloadBytes < 2 {
		return errors.New("processor: payload limit must be at least 2 bytes")
	}
	return nil
}

// LimitPolicy supplies the limits that apply to a project's spans.
type LimitPolicy interface {
	LimitsFor(projectID uuid.UUID) Limits
}

// StaticPolicy applies one set of limits to every project, with optional
// per-project overrides.
type StaticPolicy struct {
	defaults Limits

	mu        sync.RWMutex
	overrides map[uuid.UUID]Limits
}

// NewStaticPolicy returns a policy that applies defaults to every project.
func NewStaticPolicy(defaults Limits) (*StaticPolicy, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &StaticPolicy{defaults: defaults, overrides: make(map[uuid.UUID]Limits)}, nil
}

// SetOverride replaces the limits for one project.
func (p *StaticPolicy) SetOverride(projectID uuid.UUID, l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[projectID] = l
	return nil
}

// LimitsFor implements LimitPolicy.
func (p *StaticPolicy) LimitsFor(projectID uuid.UUID) Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if l, ok := p.overrides[projectID]; ok {
		return l
	}
	return p.defaults
}

// LimitError reports which limit a span exceeded in reject mode.
type LimitError struct {
	Limit string
	Got   int
	Max   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("processor: %s is %d, limit %d", e.Limit, e.Got, e.Max)
}

// Unwrap makes errors.Is(err, ErrLimitExceeded) hold.
func (e *LimitError) Unwrap() error { return ErrLimitExceeded }
