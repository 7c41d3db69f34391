// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"

	raopcrypto "github.com/dillya/go-raop/crypto"
	"github.com/dillya/go-raop/sdp"
)

var (
	// ErrDigestNoChallenge mirrors the teacher's sentinel for a response
	// presented against a nonce we never issued (or already expired).
	ErrDigestNoChallenge = errors.New("rtsp: no matching digest challenge")
	ErrDigestBadCreds    = errors.New("rtsp: digest credentials did not match")
)

// digestAuth challenges and verifies RTSP Digest auth (§4.1: "realm =
// receiver.name ... username ignored, password compared using the
// standard HA1/HA2/response construction, MD5"). Challenges expire from
// the cache the same way the teacher's DigestAuthServer evicts SIP
// challenges with time.AfterFunc, so a stale nonce cannot be replayed by a
// concurrent connection.
type digestAuth struct {
	mu     sync.Mutex
	cache  map[string]*digest.Challenge
	realm  string
	expiry time.Duration
}

func newDigestAuth(realm string) *digestAuth {
	return &digestAuth{
		cache:  make(map[string]*digest.Challenge),
		realm:  realm,
		expiry: 30 * time.Second,
	}
}

func (d *digestAuth) setRealm(realm string) {
	d.mu.Lock()
	d.realm = realm
	d.mu.Unlock()
}

// Challenge issues a new 401 WWW-Authenticate header value and registers
// its nonce for a limited time.
func (d *digestAuth) Challenge() (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	chal := &digest.Challenge{Realm: d.realm, Nonce: nonce, Algorithm: "MD5"}
	d.cache[nonce] = chal
	expiry := d.expiry
	d.mu.Unlock()

	time.AfterFunc(expiry, func() {
		d.mu.Lock()
		delete(d.cache, nonce)
		d.mu.Unlock()
	})

	return chal.String(), nil
}

// Verify checks an Authorization header value against the stored
// password, returning nil on success.
func (d *digestAuth) Verify(method, authHeader, password string) error {
	cred, err := digest.ParseCredentials(authHeader)
	if err != nil {
		return fmt.Errorf("rtsp: parse digest credentials: %w", err)
	}

	d.mu.Lock()
	chal, ok := d.cache[cred.Nonce]
	d.mu.Unlock()
	if !ok {
		return ErrDigestNoChallenge
	}

	want, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("rtsp: compute digest: %w", err)
	}

	if cred.Response != want.Response {
		return ErrDigestBadCreds
	}
	return nil
}

func generateNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rtsp: generate nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// appleChallengeResponse implements §4.1's Apple-Challenge handshake:
// decode the (possibly unpadded) base64 challenge, append the server's
// IPv4 address and hw_addr, zero-pad to 32 bytes, raw RSA-sign, and
// base64-encode with trailing '=' stripped.
func appleChallengeResponse(key *rsa.PrivateKey, challengeB64 string, localIP net.IP, hwAddr [6]byte) (string, error) {
	chal, err := sdp.DecodeLenientBase64(challengeB64)
	if err != nil {
		return "", fmt.Errorf("rtsp: decode apple-challenge: %w", err)
	}

	buf := make([]byte, 0, 32)
	buf = append(buf, chal...)

	ip4 := localIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	buf = append(buf, ip4...)
	buf = append(buf, hwAddr[:]...)

	for len(buf) < 32 {
		buf = append(buf, 0)
	}
	buf = buf[:32]

	sig, err := raopcrypto.SignChallenge(key, buf)
	if err != nil {
		return "", fmt.Errorf("rtsp: sign apple-challenge: %w", err)
	}

	enc := base64.StdEncoding.EncodeToString(sig)
	return strings.TrimRight(enc, "="), nil
}
