package particle

import (
	"errors"
	"testing"
)

type fakeKeyPair struct {
	sig []byte
	err error
}

func (f fakeKeyPair) Sign(data []byte) ([]byte, error) { return f.sig, f.err }

func TestNewActorKeyStability(t *testing.T) {
	sig := []byte("abc")
	k1 := NewActorKey(sig, Host())
	k2 := NewActorKey(sig, Host())
	if k1 != k2 {
		t.Fatalf("expected identical keys for identical signature+scope")
	}

	k3 := NewActorKey(sig, Worker("w1"))
	if k1 == k3 {
		t.Fatalf("expected distinct keys across scopes")
	}
}

func TestDeriveParticleToken(t *testing.T) {
	kp := fakeKeyPair{sig: []byte("signed-bytes")}
	tok, err := DeriveParticleToken(kp, []byte("particle-signature"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected non-empty token")
	}
}

func TestDeriveParticleTokenError(t *testing.T) {
	kp := fakeKeyPair{err: errors.New("boom")}
	_, err := DeriveParticleToken(kp, []byte("sig"))
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestExtendedParticleCloneSharesSpan(t *testing.T) {
	e := ExtendedParticle{Particle: Particle{ID: "p1"}}
	clone := e.Clone()
	if clone.SpanContext != e.SpanContext {
		t.Fatalf("expected clone to share span context")
	}
	if clone.ID != e.ID {
		t.Fatalf("expected clone to carry the same particle id")
	}
}
