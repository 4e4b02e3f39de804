// Package id generates identifiers: uuid row IDs and access-key tokens,
// and base64url deployment keys. Grounded on cuemby-warren's direct
// dependency on github.com/google/uuid.
package id

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// New returns a new random identifier, suitable for row IDs.
func New() string {
	return uuid.NewString()
}

// NewAccessKeyToken returns a new opaque access-key secret.
func NewAccessKeyToken() string {
	return uuid.NewString()
}

// NewDeploymentKey returns a fresh deployment key drawn from spec §6's
// alphabet ([A-Za-z0-9_-]{10,100}): base64url without padding produces
// exactly that alphabet, unlike the hyphen-only uuid string.
func NewDeploymentKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
