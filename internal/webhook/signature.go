package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
)

// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>...]".
const SignatureHeader = "Processor-Signature"

// DefaultTolerance bounds how old a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

// Verifier checks HMAC-SHA256 signatures over "<timestamp>.<raw payload>".
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier accepts a comma-separated list of secrets so the shared secret can be rotated.
func NewVerifier(secrets string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{tolerance: tolerance, now: time.Now}
	for _, s := range strings.Split(secrets, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	return v
}

// Verify returns apperr.ErrSignatureInvalid (wrapped) on any failure.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secrets) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", apperr.ErrSignatureInvalid)
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return fmt.Errorf("%w: %s", apperr.ErrSignatureInvalid, err)
	}

	signedAt := time.Unix(ts, 0)
	age := v.now().Sub(signedAt)
	if age > v.tolerance {
		return fmt.Errorf("%w: timestamp too old (%s)", apperr.ErrSignatureInvalid, age.Round(time.Second))
	}
	if age < -v.tolerance {
		return fmt.Errorf("%w: timestamp in the future", apperr.ErrSignatureInvalid)
	}

	for _, secret := range v.secrets {
		expected := computeSignature(secret, ts, payload)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no matching signature", apperr.ErrSignatureInvalid)
}

// Sign builds a header value the way the processor does.
func Sign(secret string, at time.Time, payload []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature([]byte(secret), ts, payload)))
}

func parseHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("missing %s header", SignatureHeader)
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid timestamp")
			}
			ts = v
		case "v1":
			b, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			sigs = append(sigs, b)
		}
	}

	if ts == 0 {
		return 0, nil, fmt.Errorf("timestamp missing")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("no v1 signature")
	}
	return ts, sigs, nil
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}
