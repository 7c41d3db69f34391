// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// CoverHandle is a content-addressed reference to a cached cover image,
// the data model's cover_ref field (§3).
type CoverHandle string

// CoverCache deduplicates cover art across mper transitions: identical
// image bytes arriving for a new item reuse the already-cached handle
// instead of being re-stored, and handles are reference-counted so a
// cover still attached to an in-flight tags event isn't evicted out from
// under it.
type CoverCache struct {
	mu   sync.Mutex
	data map[CoverHandle][]byte
	refs map[CoverHandle]int
}

func newCoverCache() *CoverCache {
	return &CoverCache{
		data: make(map[CoverHandle][]byte),
		refs: make(map[CoverHandle]int),
	}
}

// Put hashes buf and stores it if not already present, returning its
// handle with its reference count incremented.
func (c *CoverCache) Put(buf []byte) CoverHandle {
	sum := sha256.Sum256(buf)
	h := CoverHandle(hex.EncodeToString(sum[:]))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[h]; !ok {
		c.data[h] = append([]byte(nil), buf...)
	}
	c.refs[h]++
	return h
}

// Get returns the cached bytes for h, if still present.
func (c *CoverCache) Get(h CoverHandle) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.data[h]
	return buf, ok
}

// Release drops one reference to h, evicting it once the count reaches
// zero.
func (c *CoverCache) Release(h CoverHandle) {
	if h == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[h]--
	if c.refs[h] <= 0 {
		delete(c.refs, h)
		delete(c.data, h)
	}
}
