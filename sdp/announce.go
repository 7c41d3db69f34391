// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Codec identifies the audio codec negotiated in an ANNOUNCE body.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecALAC
	CodecPCM
	CodecAAC
)

func (c Codec) String() string {
	switch c {
	case CodecALAC:
		return "ALAC"
	case CodecPCM:
		return "PCM_L16"
	case CodecAAC:
		return "AAC"
	default:
		return "unknown"
	}
}

// AudioAnnounce is the subset of an ANNOUNCE SDP body a RAOP receiver acts
// on: codec, format line, the RSA-OAEP-wrapped AES key, and the IV.
type AudioAnnounce struct {
	Codec      Codec
	Format     string
	AESKeyB64  string
	AESIVB64   string
	SampleRate uint32
	Channels   uint32
}

var (
	defaultSampleRate uint32 = 44100
	defaultChannels   uint32 = 2
)

// ParseAudioAnnounce extracts the RAOP-relevant attributes from the first
// m=audio media block of an ANNOUNCE body.
func ParseAudioAnnounce(body []byte) (AudioAnnounce, error) {
	sd := SessionDescription{}
	if err := Unmarshal(body, &sd); err != nil {
		return AudioAnnounce{}, fmt.Errorf("parsing announce sdp: %w", err)
	}

	if !sd.HasMediaType("audio") {
		return AudioAnnounce{}, fmt.Errorf("no audio media block in announce body")
	}

	a := AudioAnnounce{
		SampleRate: defaultSampleRate,
		Channels:   defaultChannels,
	}

	for _, line := range sd.Values("a") {
		switch {
		case strings.HasPrefix(line, "rtpmap:"):
			codec, tail, err := parseRtpmap(line)
			if err != nil {
				return AudioAnnounce{}, err
			}
			a.Codec = codec
			if codec == CodecPCM && a.Format == "" {
				a.Format = tail
			}
		case strings.HasPrefix(line, "fmtp:"):
			a.Format = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "rsaaeskey:"):
			a.AESKeyB64 = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "aesiv:"):
			a.AESIVB64 = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		}
	}

	if a.Codec == CodecUnknown {
		return AudioAnnounce{}, fmt.Errorf("unsupported or missing rtpmap codec")
	}

	rate, channels := geometryFromFormat(a.Codec, a.Format)
	if rate != 0 {
		a.SampleRate = rate
	}
	if channels != 0 {
		a.Channels = channels
	}

	return a, nil
}

// parseRtpmap reads "rtpmap:<pt> <codec>/<rate>/<channels>" and classifies
// the codec by its prefix. For PCM, tail is the part after the payload type
// so the caller can synthesize a format string when fmtp is absent.
func parseRtpmap(line string) (Codec, string, error) {
	value := strings.SplitN(line, ":", 2)[1]
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return CodecUnknown, "", fmt.Errorf("malformed rtpmap line %q", line)
	}
	pt := fields[0]
	desc := fields[1]

	switch {
	case strings.HasPrefix(desc, "L16"):
		return CodecPCM, pt + " " + desc, nil
	case strings.HasPrefix(desc, "AppleLossless"):
		return CodecALAC, "", nil
	case strings.HasPrefix(desc, "mpeg4-generic"):
		return CodecAAC, "", nil
	default:
		return CodecUnknown, "", fmt.Errorf("unrecognized codec in rtpmap %q", desc)
	}
}

// geometryFromFormat derives sample rate and channel count from the fmtp
// line (ALAC) or the rtpmap tail (PCM). AAC and anything unrecognized fall
// back to the 44100/2 defaults.
func geometryFromFormat(codec Codec, format string) (rate, channels uint32) {
	switch codec {
	case CodecALAC:
		// fmtp: <pt> <frameLength> <compatibleVersion> <bitDepth>
		//       <pb> <mb> <kb> <numChannels> <maxRun> <maxFrameBytes>
		//       <avgBitRate> <sampleRate>
		fields := strings.Fields(format)
		if len(fields) < 12 {
			return 0, 0
		}
		if c, err := strconv.Atoi(fields[7]); err == nil {
			channels = uint32(c)
		}
		if r, err := strconv.Atoi(fields[11]); err == nil {
			rate = uint32(r)
		}
	case CodecPCM:
		// "<pt> L<bits>/<rate>/<channels>"
		fields := strings.Fields(format)
		if len(fields) != 2 {
			return 0, 0
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) != 3 {
			return 0, 0
		}
		if r, err := strconv.Atoi(parts[1]); err == nil {
			rate = uint32(r)
		}
		if c, err := strconv.Atoi(parts[2]); err == nil {
			channels = uint32(c)
		}
	}
	return rate, channels
}

// DecodeLenientBase64 decodes base64 data that may be missing its trailing
// '=' padding, as Apple devices commonly send for Apple-Challenge, aesiv
// and rsaaeskey values.
func DecodeLenientBase64(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
