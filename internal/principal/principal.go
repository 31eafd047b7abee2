// Package principal models who a unit of work runs as. A principal is passed
// explicitly into every transaction; nothing keeps one in ambient state.
package principal

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindInteractive Kind = "interactive"
	KindSystem      Kind = "system"
)

// Principal is either Interactive or System.
type Principal interface {
	Kind() Kind
	ActorID() string
	sealed()
}

// Interactive is an end user acting through a session or API key.
type Interactive struct {
	SubjectID string
	Role      string
	ScopeIDs  []string
}

func (Interactive) Kind() Kind        { return KindInteractive }
func (p Interactive) ActorID() string { return p.SubjectID }
func (Interactive) sealed()           {}

// InScope reports whether the cohort id is among the principal's scopes.
func (p Interactive) InScope(id string) bool {
	for _, s := range p.ScopeIDs {
		if s == id {
			return true
		}
	}
	return false
}

// System is automation acting without an interactive user: the queue worker,
// inline emission on completion, operator overrides.
type System struct {
	Reason string
}

func (System) Kind() Kind { return KindSystem }
func (p System) ActorID() string {
	return "system:" + slug(p.Reason)
}
func (System) sealed() {}

var ErrMissing = errors.New("principal required")

// Normalize turns pointer variants into values so callers can switch on
// Interactive and System only.
func Normalize(p Principal) Principal {
	switch v := p.(type) {
	case *Interactive:
		if v == nil {
			return nil
		}
		return *v
	case *System:
		if v == nil {
			return nil
		}
		return *v
	}
	return p
}

// Validate rejects principals that cannot be attributed.
func Validate(p Principal) error {
	switch v := Normalize(p).(type) {
	case nil:
		return ErrMissing
	case Interactive:
		if strings.TrimSpace(v.SubjectID) == "" {
			return fmt.Errorf("%w: interactive principal has no subject", ErrMissing)
		}
		if strings.TrimSpace(v.Role) == "" {
			return fmt.Errorf("%w: interactive principal has no role", ErrMissing)
		}
		return nil
	case System:
		if strings.TrimSpace(v.Reason) == "" {
			return fmt.Errorf("%w: system principal needs a reason", ErrMissing)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown principal %T", ErrMissing, p)
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unspecified"
	}
	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
