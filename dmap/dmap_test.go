// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package dmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEncodeRoundTrip(t *testing.T) {
	in := Tags{
		Title:   "Song",
		Artist:  "Artist",
		Album:   "Album",
		Genre:   "Genre",
		HasMper: true,
		Mper:    [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	blob := Encode(in)
	out, err := Parse(blob)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParseSkipsMlitWrapper(t *testing.T) {
	inner := Encode(Tags{Title: "Wrapped"})

	wrapped := append([]byte("mlit"), make([]byte, 4)...)
	wrapped = appendLen(wrapped, len(inner))
	wrapped = append(wrapped, inner...)

	out, err := Parse(wrapped)
	require.NoError(t, err)
	require.Equal(t, "Wrapped", out.Title)
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse([]byte{'m', 'i', 'n', 'm', 0, 0, 0, 10, 'a'})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestParseIgnoresNonEightByteMper(t *testing.T) {
	blob := append([]byte("mper"), 0, 0, 0, 3)
	blob = append(blob, 'a', 'b', 'c')
	out, err := Parse(blob)
	require.NoError(t, err)
	require.False(t, out.HasMper)
}

func appendLen(dst []byte, n int) []byte {
	dst[len(dst)-4] = byte(n >> 24)
	dst[len(dst)-3] = byte(n >> 16)
	dst[len(dst)-2] = byte(n >> 8)
	dst[len(dst)-1] = byte(n)
	return dst
}
