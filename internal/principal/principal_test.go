package principal

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Principal
		ok   bool
	}{
		{"nil", nil, false},
		{"interactive", Interactive{SubjectID: "u1", Role: "manager"}, true},
		{"interactive pointer", &Interactive{SubjectID: "u1", Role: "issuer"}, true},
		{"interactive without role", Interactive{SubjectID: "u1"}, false},
		{"interactive without subject", Interactive{Role: "admin"}, false},
		{"system", System{Reason: "emission queue"}, true},
		{"system without reason", System{}, false},
		{"nil system pointer", (*System)(nil), false},
	}
	for _, tc := range cases {
		err := Validate(tc.p)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrMissing) {
			t.Fatalf("%s: expected ErrMissing, got %v", tc.name, err)
		}
	}
}

func TestSystemActorIDIsDistinct(t *testing.T) {
	got := System{Reason: "Automatic emission on batch completion"}.ActorID()
	if got != "system:automatic-emission-on-batch-completion" {
		t.Fatalf("unexpected actor id %q", got)
	}
	if (Interactive{SubjectID: "system"}).ActorID() == got {
		t.Fatalf("system actor id must not collide with a user id")
	}
}

func TestInScope(t *testing.T) {
	p := Interactive{SubjectID: "u1", Role: "manager", ScopeIDs: []string{"c1", "c2"}}
	if !p.InScope("c2") || p.InScope("c3") {
		t.Fatalf("scope check mismatch")
	}
}
