// Cutout is a UWS-conformant asynchronous job service.
// Copyright (C) 2025 The Cutout Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package signing mints time-limited, user-facing URLs from persistent
// internal URLs. Jobs store internal URLs; the job service rewrites them
// through this minter on every read path.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the derived HMAC key (256 bits).
	KeySize = 32
	// Iterations for PBKDF2.
	Iterations = 100000
)

// Minter signs internal URLs into time-limited user-facing ones under a
// service account identity and a fixed lifetime, rewriting the internal
// scheme and host onto the deployment's external base URL along the way.
type Minter struct {
	key            []byte
	serviceAccount string
	lifetime       time.Duration
	externalBase   *url.URL
	now            func() time.Time
}

// NewMinter derives an HMAC key from serviceAccount and secret via
// PBKDF2-HMAC-SHA256. externalBaseURL is the deployment's public
// scheme+host (e.g. "https://cutouts.example.org") that internal result
// URLs (s3://, file://, ...) are rewritten onto before signing.
func NewMinter(serviceAccount, secret string, lifetime time.Duration, externalBaseURL string) (*Minter, error) {
	if secret == "" {
		return nil, errors.New("signing: secret cannot be empty")
	}
	base, err := url.Parse(externalBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("signing: external base url %q must be absolute (scheme+host)", externalBaseURL)
	}
	salt := sha256.Sum256([]byte("cutout-url-signing-" + serviceAccount))
	key := pbkdf2.Key([]byte(secret), salt[:], Iterations, KeySize, sha256.New)
	return &Minter{
		key:            key,
		serviceAccount: serviceAccount,
		lifetime:       lifetime,
		externalBase:   base,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sign mints a user-facing URL from an internal one: the internal
// scheme and host (s3://bucket, file://, ...) are replaced by the
// minter's external base URL, and an expires/sig query pair is
// appended. mimeType is accepted for parity with the external interface
// but does not affect the signature.
func (m *Minter) Sign(internalURL string, mimeType *string) (string, error) {
	u, err := url.Parse(internalURL)
	if err != nil {
		return "", fmt.Errorf("signing: parse url: %w", err)
	}

	path := u.Path
	if u.Scheme == "s3" && u.Host != "" {
		// url.Parse puts the bucket in Host for s3://bucket/key; fold it
		// into the path so the external URL exposes one flat path.
		path = "/" + u.Host + u.Path
	}

	external := *m.externalBase
	external.Path = path

	expires := m.now().Add(m.lifetime).Unix()
	sig := m.signature(path, expires)

	q := external.Query()
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	external.RawQuery = q.Encode()

	return external.String(), nil
}

// Verify checks a signed URL's signature and expiry. Provided mainly for
// symmetry and testability; the core engine only calls Sign on read
// paths.
func (m *Minter) Verify(signedURL string) (bool, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return false, fmt.Errorf("signing: parse url: %w", err)
	}
	q := u.Query()
	expiresStr := q.Get("expires")
	sig := q.Get("sig")
	if expiresStr == "" || sig == "" {
		return false, nil
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return false, nil
	}
	if m.now().Unix() > expires {
		return false, nil
	}
	want := m.signature(u.Path, expires)
	return hmac.Equal([]byte(sig), []byte(want)), nil
}

func (m *Minter) signature(path string, expires int64) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(path))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
