// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package raopcrypto implements the three cryptographic primitives a RAOP
// receiver needs: Apple-Challenge signing, AES session-key unwrapping, and
// the AES-128-CBC payload decryption applied to every RTP frame. All three
// build directly on the standard library crypto packages: no third-party
// repository in this module's reference corpus reimplements RSA or AES, so
// stdlib is the idiomatic and only sensible choice here.
package raopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrChallengeSize  = errors.New("apple-challenge buffer must be exactly 32 bytes")
	ErrKeySize        = errors.New("aes key must be 16 bytes")
	ErrIVSize         = errors.New("aes iv must be 16 bytes")
	ErrNoPrivateKey   = errors.New("no embedded private key")
	ErrInvalidKeyType = errors.New("embedded key is not an RSA key")
)

// LoadAirportKey parses the embedded AirPort RSA private key. It is cheap
// enough to call per session; callers that create many sessions per second
// should cache the result.
func LoadAirportKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(airportPrivateKeyPEM))
	if block == nil {
		return nil, ErrNoPrivateKey
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing airport key: %w", err)
	}
	return key, nil
}

// SignChallenge signs a 32-byte Apple-Challenge buffer with a raw
// PKCS#1 v1.5 block signature: no hash algorithm is applied, the buffer is
// signed as-is. This matches what AirPlay clients verify with the matching
// public key.
func SignChallenge(key *rsa.PrivateKey, buf []byte) ([]byte, error) {
	if len(buf) != 32 {
		return nil, ErrChallengeSize
	}
	return rsa.SignPKCS1v15(rand.Reader, key, 0, buf)
}

// DecryptSessionKey RSA-OAEP(SHA1) decrypts the rsaaeskey SDP attribute into
// the 16-byte AES session key.
func DecryptSessionKey(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep decrypt session key: %w", err)
	}
	if len(plain) != 16 {
		return nil, ErrKeySize
	}
	return plain, nil
}

// EncryptSessionKeyForTest RSA-OAEP(SHA1) encrypts an AES key the way an
// AirPlay client wraps its session key in the rsaaeskey SDP attribute. It
// exists so other packages' tests can build a realistic ANNOUNCE body
// without reimplementing the wire format; production code never calls it.
func EncryptSessionKeyForTest(pub *rsa.PublicKey, aesKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, aesKey, nil)
}

// DecryptPayload decrypts payload in-place with AES-128-CBC, resetting the
// IV to the session IV at the start of every call (RAOP never chains the IV
// across RTP packets). Only the largest multiple of 16 bytes is decrypted;
// any trailing bytes are left untouched, matching how AirPlay pads the last
// partial block of a frame in cleartext.
func DecryptPayload(key, iv, payload []byte) error {
	if len(key) != 16 {
		return ErrKeySize
	}
	if len(iv) != 16 {
		return ErrIVSize
	}

	n := len(payload) - (len(payload) % aes.BlockSize)
	if n == 0 {
		return nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes cipher: %w", err)
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(payload[:n], payload[:n])
	return nil
}
