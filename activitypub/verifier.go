package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

// maxClockSkew bounds how far a signed Date header may be from now.
const maxClockSkew = 12 * time.Hour

// KeyResolver finds the actor owning a signature key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (*domain.Actor, error)
}

// Verifier authenticates inbound requests by their HTTP signature.
type Verifier struct {
	keys KeyResolver
	now  func() time.Time
}

func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys, now: time.Now}
}

// Verify checks the body digest, the request date and the signature, and
// returns the id of the actor that signed the request.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	if r.Header.Get("Signature") == "" && r.Header.Get("Authorization") == "" {
		return "", fmt.Errorf("%w: missing signature", ErrSignatureMismatch)
	}

	if err := checkDigest(r.Header.Get("Digest"), body); err != nil {
		return "", err
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return "", fmt.Errorf("%w: invalid date header", ErrSignatureMismatch)
	}
	if skew := v.now().Sub(date); skew > maxClockSkew || skew < -maxClockSkew {
		return "", fmt.Errorf("%w: date %s outside the accepted window", ErrSignatureMismatch, date.Format(time.RFC3339))
	}

	// Servers move Host out of the header map; the signature covers it.
	req := r.Clone(ctx)
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", r.Host)
	}

	keyID, err := signatureKeyID(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := checkSignedHeaders(req, len(body) > 0); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	actor, err := v.keys.ResolveKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnknownActor, err)
	}

	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := verifySignature(req, pub); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	return actor.ActorURI, nil
}

// checkDigest compares the SHA-256 entry of a Digest header with body.
func checkDigest(header string, body []byte) error {
	if header == "" {
		if len(body) == 0 {
			return nil
		}
		return fmt.Errorf("%w: missing digest", ErrSignatureMismatch)
	}

	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if len(part) > 8 && strings.EqualFold(part[:8], "SHA-256=") {
			if part[8:] == want[8:] {
				return nil
			}
			return fmt.Errorf("%w: digest does not match body", ErrSignatureMismatch)
		}
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrSignatureMismatch)
}
