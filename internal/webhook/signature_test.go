package webhook

import (
	"errors"
	"testing"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
)

func fixedVerifier(secrets string, now time.Time) *Verifier {
	v := NewVerifier(secrets, 5*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1","type":"transfer.paid"}`)

	tests := []struct {
		name    string
		secrets string
		header  string
		wantErr bool
	}{
		{"valid", "whsec_a", Sign("whsec_a", now, payload), false},
		{"valid slightly old", "whsec_a", Sign("whsec_a", now.Add(-4*time.Minute), payload), false},
		{"rotated secret", "whsec_new,whsec_old", Sign("whsec_old", now, payload), false},
		{"wrong secret", "whsec_a", Sign("whsec_b", now, payload), true},
		{"expired", "whsec_a", Sign("whsec_a", now.Add(-6*time.Minute), payload), true},
		{"future", "whsec_a", Sign("whsec_a", now.Add(6*time.Minute), payload), true},
		{"missing header", "whsec_a", "", true},
		{"no v1", "whsec_a", "t=1700000000", true},
		{"no timestamp", "whsec_a", "v1=abcd", true},
		{"garbage timestamp", "whsec_a", "t=abc,v1=abcd", true},
		{"no secret configured", "", Sign("whsec_a", now, payload), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fixedVerifier(tt.secrets, now).Verify(payload, tt.header)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrSignatureInvalid) {
					t.Fatalf("expected ErrSignatureInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := Sign("whsec_a", now, []byte(`{"amount":100}`))

	err := fixedVerifier("whsec_a", now).Verify([]byte(`{"amount":999}`), header)
	if !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for tampered payload, got %v", err)
	}
}

func TestVerifyMultipleSignatures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{}`)
	good := Sign("whsec_a", now, payload)
	// processor sends signatures for both secrets during rotation
	header := good + ",v1=" + "00ff"

	if err := fixedVerifier("whsec_a", now).Verify(payload, header); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
