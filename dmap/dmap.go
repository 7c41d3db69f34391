// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package dmap parses the Apple DAAP/DMAP TLV metadata blobs AirPlay
// clients push over the RTSP parameter channel (title/artist/album/genre
// plus the mper persistent-item id). Framing is a flat sequence of 8-byte
// tag+length headers, decoded with encoding/binary the same way this
// module's media package slices RTP headers by hand.
package dmap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("dmap: truncated tlv")

// Tags holds the fields a RAOP receiver cares about out of a DMAP blob.
// Mper is kept as an opaque 8-byte token (the wire order it arrived in) and
// must never be used for numeric comparisons beyond equality.
type Tags struct {
	Title  string
	Artist string
	Album  string
	Genre  string

	HasMper bool
	Mper    [8]byte
}

// Parse reads a DMAP TLV stream. If the outer-most block is "mlit" (a list
// item), its header is skipped and the remaining bytes are treated as the
// concatenation of the item's own fields, matching how AirPlay wraps a
// single now-playing item.
func Parse(body []byte) (Tags, error) {
	if len(body) >= 8 && string(body[:4]) == "mlit" {
		n := binary.BigEndian.Uint32(body[4:8])
		if uint32(len(body)-8) < n {
			return Tags{}, ErrTruncated
		}
		body = body[8:]
	}

	var tags Tags
	for len(body) > 0 {
		if len(body) < 8 {
			return Tags{}, ErrTruncated
		}
		tag := string(body[:4])
		n := binary.BigEndian.Uint32(body[4:8])
		body = body[8:]

		if uint64(len(body)) < uint64(n) {
			return Tags{}, fmt.Errorf("%w: tag %q wants %d bytes, have %d", ErrTruncated, tag, n, len(body))
		}
		value := body[:n]
		body = body[n:]

		switch tag {
		case "minm":
			tags.Title = string(value)
		case "asar":
			tags.Artist = string(value)
		case "asal":
			tags.Album = string(value)
		case "asgn":
			tags.Genre = string(value)
		case "mper":
			if n != 8 {
				continue
			}
			tags.HasMper = true
			copy(tags.Mper[:], value)
		}
	}

	return tags, nil
}

// Encode is the inverse of Parse, used by tests to exercise the round-trip
// law the tag format implies. It always emits a bare concatenation of
// fields (no enclosing mlit wrapper), mirroring the body Parse accepts
// after unwrapping.
func Encode(t Tags) []byte {
	var out []byte
	appendField := func(tag, value string) {
		if value == "" {
			return
		}
		out = append(out, []byte(tag)...)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
		out = append(out, lenBuf[:]...)
		out = append(out, value...)
	}

	appendField("minm", t.Title)
	appendField("asar", t.Artist)
	appendField("asal", t.Album)
	appendField("asgn", t.Genre)

	if t.HasMper {
		out = append(out, []byte("mper")...)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 8)
		out = append(out, lenBuf[:]...)
		out = append(out, t.Mper[:]...)
	}

	return out
}
