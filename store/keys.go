package store

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"

	"github.com/quarryforge/quarry/types"
)

// LoadPrivateKey decodes a local actor's signing key. Remote actors never
// carry one.
func LoadPrivateKey(actor types.Actor) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(actor.PrivateKeyPem()))
	if block == nil {
		return nil, errors.Wrapf(types.ErrInternal, "actor %s has no parseable private key", actor.ActorApID())
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(types.ErrInternal, "parse private key of %s: %v", actor.ActorApID(), err)
	}
	return priv, nil
}

// ParsePublicKeyPem decodes a PEM public key as published in an actor
// document. Both PKIX and PKCS1 encodings occur in the wild.
func ParsePublicKeyPem(pemStr string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.Wrap(types.ErrUnauthorized, "no PEM block in public key")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(types.ErrUnauthorized, "parse public key: %v", err)
	}
	return pub, nil
}
