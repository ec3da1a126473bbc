package middleware

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("middleware")

const (
	ctxRawBody  = "inboxRawBody"
	ctxVerified = "inboxDigestVerified"
	ctxKeyID    = "inboxSignerKeyID"
)

// KeyResolver dereferences a signature keyId to the signer's public key.
// resolver.Resolver satisfies it.
type KeyResolver interface {
	ActorKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

// VerifySignature gates inbox POSTs: it checks the Digest header against the
// raw body, verifies the HTTP signature against the dereferenced signer key,
// and stamps the context. Handlers behind it must refuse to run unless
// Verified reports true, which keeps crypto out of handler code.
func VerifySignature(keys KeyResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracer.Start(c.Request().Context(), "VerifySignature")
			defer span.End()

			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "unreadable body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			c.Set(ctxRawBody, body)

			if !digestMatches(req.Header.Get("Digest"), body) {
				return c.String(http.StatusBadRequest, "digest mismatch")
			}

			verifier, err := httpsig.NewVerifier(req)
			if err != nil {
				span.RecordError(err)
				return c.String(http.StatusUnauthorized, "missing or malformed signature")
			}

			pubKey, err := keys.ActorKey(ctx, verifier.KeyId())
			if err != nil {
				span.RecordError(err)
				return c.String(http.StatusUnauthorized, "unknown signer")
			}

			if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
				span.RecordError(err)
				return c.String(http.StatusUnauthorized, "signature verification failed")
			}

			c.Set(ctxVerified, true)
			c.Set(ctxKeyID, verifier.KeyId())

			// the verifier consumed nothing, but restore anyway for the binder
			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}

func digestMatches(header string, body []byte) bool {
	if header == "" {
		return false
	}
	algo, value, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		return false
	}
	sum := sha256.Sum256(body)
	return value == base64.StdEncoding.EncodeToString(sum[:])
}

// Verified reports whether the digest and signature gate passed.
func Verified(c echo.Context) bool {
	ok, _ := c.Get(ctxVerified).(bool)
	return ok
}

// RawBody returns the body bytes read by the gate, preserved so forwarding
// can re-deliver the envelope byte for byte.
func RawBody(c echo.Context) []byte {
	body, _ := c.Get(ctxRawBody).([]byte)
	return body
}

// SignerKeyID returns the keyId of the verified signature.
func SignerKeyID(c echo.Context) string {
	keyID, _ := c.Get(ctxKeyID).(string)
	return keyID
}
