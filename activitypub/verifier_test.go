package activitypub

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierAcceptsSignedRequest(t *testing.T) {
	f := newFixture(t)
	alice := f.peer.addActor(t, domain.ActorPerson, "alice")
	body := []byte(`{"id":"x"}`)

	signer, err := NewVerifier(f.resolver).Verify(context.Background(), f.peer.sign(t, alice, body), body)
	require.NoError(t, err)
	assert.Equal(t, alice, signer)
}

func TestVerifierRejectsDigestMismatch(t *testing.T) {
	f := newFixture(t)
	alice := f.peer.addActor(t, domain.ActorPerson, "alice")

	req := f.peer.sign(t, alice, []byte(`{"id":"x"}`))
	_, err := NewVerifier(f.resolver).Verify(context.Background(), req, []byte(`{"id":"y"}`))
	require.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Equal(t, 0, f.peer.hitCount("/u/alice"))
}

func TestVerifierRejectsStaleDate(t *testing.T) {
	f := newFixture(t)
	alice := f.peer.addActor(t, domain.ActorPerson, "alice")
	body := []byte(`{"id":"x"}`)

	v := NewVerifier(f.resolver)
	v.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	_, err := v.Verify(context.Background(), f.peer.sign(t, alice, body), body)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifierUnknownActor(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"x"}`)

	req := f.peer.sign(t, f.peer.URL+"/u/ghost", body)
	_, err := NewVerifier(f.resolver).Verify(context.Background(), req, body)
	require.ErrorIs(t, err, ErrUnknownActor)
	require.ErrorIs(t, err, ErrFetch)
}

func TestVerifierHostFromRequest(t *testing.T) {
	f := newFixture(t)
	alice := f.peer.addActor(t, domain.ActorPerson, "alice")
	body := []byte(`{"id":"x"}`)

	// Servers deliver Host outside the header map.
	req := f.peer.sign(t, alice, body)
	req.Header.Del("Host")
	req.Host = testDomain

	_, err := NewVerifier(f.resolver).Verify(context.Background(), req, body)
	require.NoError(t, err)
}

func TestCheckDigest(t *testing.T) {
	body := []byte("hello")
	assert.NoError(t, checkDigest(Digest(body), body))
	assert.NoError(t, checkDigest("SHA-512=abc, "+Digest(body), body))
	assert.NoError(t, checkDigest("", nil))
	assert.ErrorIs(t, checkDigest("", body), ErrSignatureMismatch)
	assert.ErrorIs(t, checkDigest("SHA-512=abc", body), ErrSignatureMismatch)
	assert.ErrorIs(t, checkDigest(Digest([]byte("other")), body), ErrSignatureMismatch)
}

func TestVerifierMissingSignature(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", nil)
	require.NoError(t, err)
	_, err = NewVerifier(f.resolver).Verify(context.Background(), req, nil)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifierRequiresCoveredHeaders(t *testing.T) {
	f := newFixture(t)
	alice := f.peer.addActor(t, domain.ActorPerson, "alice")
	body := []byte(`{"id":"forged"}`)

	tests := []struct {
		name    string
		headers []string
	}{
		{"date only", []string{"date"}},
		{"no digest", []string{"(request-target)", "host", "date"}},
		{"no request target", []string{"host", "date", "digest"}},
		{"no host", []string{"(request-target)", "date", "digest"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedInboxRequest(t, f.peer.key, alice+"#main-key", body)
			req.Header.Del("Signature")

			signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, tt.headers, httpsig.Signature, 0)
			require.NoError(t, err)
			require.NoError(t, signer.SignRequest(f.peer.key, alice+"#main-key", req, nil))

			_, err = NewVerifier(f.resolver).Verify(context.Background(), req, body)
			require.ErrorIs(t, err, ErrSignatureMismatch)
		})
	}
}

func TestSignatureHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", nil)
	require.NoError(t, err)

	req.Header.Set("Signature", `keyId="k",algorithm="rsa-sha256",headers="(request-target) Host date digest",signature="YWJj=="`)
	assert.Equal(t, []string{"(request-target)", "host", "date", "digest"}, signatureHeaders(req))
	assert.NoError(t, checkSignedHeaders(req, true))

	req.Header.Set("Signature", `keyId="k",signature="YWJj=="`)
	assert.Equal(t, []string{"date"}, signatureHeaders(req))
	assert.Error(t, checkSignedHeaders(req, false))

	req.Header.Del("Signature")
	req.Header.Set("Authorization", `Signature keyId="k",headers="(request-target) host date",signature="YWJj=="`)
	assert.NoError(t, checkSignedHeaders(req, false))
	assert.Error(t, checkSignedHeaders(req, true))
}
