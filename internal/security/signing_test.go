package security

import (
	"errors"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	s := NewSigner("secret")
	sig := s.Sign([]byte("evt-1"), []byte(`{"a":1}`))
	if sig == "" {
		t.Fatal("Expected a signature")
	}
	if err := s.Verify(sig, []byte("evt-1"), []byte(`{"a":1}`)); err != nil {
		t.Errorf("Expected valid signature, got %v", err)
	}

	tests := []struct {
		name  string
		sig   string
		parts [][]byte
	}{
		{"tampered payload", sig, [][]byte{[]byte("evt-1"), []byte(`{"a":2}`)}},
		{"shifted boundary", sig, [][]byte{[]byte("evt-1{"), []byte(`"a":1}`)}},
		{"not hex", "zz", [][]byte{[]byte("evt-1"), []byte(`{"a":1}`)}},
		{"empty", "", [][]byte{[]byte("evt-1"), []byte(`{"a":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Verify(tt.sig, tt.parts...); !errors.Is(err, ErrBadSignature) {
				t.Errorf("Expected ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestDisabledSigner(t *testing.T) {
	s := NewSigner("")
	if s.Enabled() {
		t.Error("Expected signer without key to be disabled")
	}
	if sig := s.Sign([]byte("x")); sig != "" {
		t.Errorf("Expected no signature, got %q", sig)
	}
	if err := s.Verify("anything", []byte("x")); err != nil {
		t.Errorf("Expected disabled signer to accept, got %v", err)
	}
	var nilSigner *Signer
	if nilSigner.Enabled() {
		t.Error("Expected nil signer to be disabled")
	}
}
