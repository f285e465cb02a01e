package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
)

// signedHeaders is the header list covered by every signature we produce.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// Digest returns the value of the Digest header for body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignRequest signs an outgoing HTTP request with the given private key.
// Date, Host and Digest must already be set on the request.
// keyId format: "https://example.com/u/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// The digest is computed once per activity by the caller, so no body is
	// handed to the signer.
	return signer.SignRequest(privateKey, keyID, req, nil)
}

// verifySignature checks the Signature header of req against pub.
func verifySignature(req *http.Request, pub *rsa.PublicKey) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// signatureKeyID extracts the keyId parameter from the request signature.
func signatureKeyID(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", err
	}
	return verifier.KeyId(), nil
}

// signatureHeaders returns the header list the request signature covers.
// Without a headers parameter only Date is signed.
func signatureHeaders(req *http.Request) []string {
	raw := req.Header.Get("Signature")
	if raw == "" {
		raw = strings.TrimPrefix(req.Header.Get("Authorization"), "Signature ")
	}
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(key, "headers") {
			return strings.Fields(strings.ToLower(strings.Trim(value, `"`)))
		}
	}
	return []string{"date"}
}

// checkSignedHeaders requires the signature to bind the method, path, host,
// date and, when there is a body, its digest.
func checkSignedHeaders(req *http.Request, hasBody bool) error {
	signed := make(map[string]bool)
	for _, h := range signatureHeaders(req) {
		signed[h] = true
	}
	for _, h := range signedHeaders {
		if h == "digest" && !hasBody {
			continue
		}
		if !signed[h] {
			return fmt.Errorf("signature does not cover %s", h)
		}
	}
	return nil
}

// keyOwner strips the fragment from a key id.
// "https://example.com/u/alice#main-key" -> "https://example.com/u/alice"
func keyOwner(keyID string) string {
	return strings.SplitN(keyID, "#", 2)[0]
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
