// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package sdp is the tolerant SDP reader C2 needs: an ANNOUNCE body is a
// handful of "type=value" lines, and the only structural question this
// receiver ever asks of it is "does an audio media block exist, and what
// do its a= attribute lines say" (codec/key/IV extraction happens in
// announce.go, on top of this reader).
package sdp

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

// lineBuf pools the scratch buffer Unmarshal copies an ANNOUNCE body into.
// Bodies are small (one session description per RTSP connection, not a
// SIP dialog's worth of re-INVITEs), but pooling avoids an allocation per
// session all the same.
var lineBuf = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// SessionDescription is every "type=value" line of an SDP body, grouped by
// type letter in the order they appeared. RAOP only ever reads "a" (and,
// internally, "m" to find the audio block), but the reader itself stays
// generic the way RFC 4566 describes the format.
type SessionDescription map[string][]string

// Values returns every value recorded for a line type, in file order.
func (sd SessionDescription) Values(key string) []string {
	return sd[key]
}

// Value returns the first value recorded for a line type, or "".
func (sd SessionDescription) Value(key string) string {
	values := sd[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HasMediaType reports whether an "m=<mediaType> …" line exists anywhere in
// the description. An ANNOUNCE body only ever needs this one yes/no
// question about its media blocks; the port/proto/format fields SIP
// negotiation cares about have no RAOP use and aren't modeled here.
func (sd SessionDescription) HasMediaType(mediaType string) bool {
	for _, line := range sd.Values("m") {
		ind := strings.IndexByte(line, ' ')
		if ind < 1 {
			continue
		}
		if line[:ind] == mediaType {
			return true
		}
	}
	return false
}

// Unmarshal is a non-validating SDP reader: it splits data into
// "type=value" lines and appends each value onto its type's slice.
// Malformed attribute values (fields an a= line's specific parser later
// rejects) are not caught here — that validation happens one layer up, in
// whatever reads a given attribute.
func Unmarshal(data []byte, sdptr *SessionDescription) error {
	buf := lineBuf.Get().(*bytes.Buffer)
	defer lineBuf.Put(buf)
	buf.Reset()
	buf.Write(data)

	sd := *sdptr
	for {
		line, err := nextLine(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if len(line) < 2 {
			continue
		}

		ind := strings.IndexByte(line, '=')
		if ind < 1 {
			return fmt.Errorf("sdp: line has no type=value separator: %q", line)
		}
		key := line[:ind]
		value := line[ind+1:]

		sd[key] = append(sd[key], value)
	}
}

// nextLine reads one SDP line, tolerating both CRLF and bare-LF
// terminators (AirPlay senders are inconsistent about which they use).
func nextLine(buf *bytes.Buffer) (string, error) {
	line, err := buf.ReadString('\n')
	if err != nil {
		// err is io.EOF here; line holds whatever trailing bytes remain.
		return line, err
	}

	n := len(line)
	if n >= 2 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line[:n-1], nil
}
