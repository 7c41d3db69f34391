// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package media implements the RAOP media-transport state machine: the RTP
// depayloader that decrypts and unwraps incoming audio frames (C5), and the
// control-channel retransmit machinery (C6). Packet framing builds on
// github.com/pion/rtp the same way the teacher's media package does.
package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	raopcrypto "github.com/dillya/go-raop/crypto"
)

// RTPDebug toggles verbose per-packet logging, mirroring the teacher's
// media.RTPDebug/RTCPDebug package-level debug switches.
var RTPDebug = false

// SequenceGap reports a run of RTP sequence numbers that never arrived,
// detected while depayloading the packet that follows the gap. The caller
// (the UDP pipeline) turns this into a C6 retransmit request.
type SequenceGap struct {
	FirstSeq uint16
	Count    uint16
}

// Depayloader turns encrypted RTP/RAOP packets into raw codec frames. It is
// retained by the owning session so the session can answer position
// queries without re-deriving RTP state (§4.7), and doubles as the
// sequence-continuity tracker C6's retransmit logic depends on to notice
// loss in the first place.
type Depayloader struct {
	mu sync.Mutex

	aesKey []byte
	aesIV  []byte

	sampleRate   uint32
	startRTPTime uint32
	lastRTPTime  uint32
	haveLastRTP  bool

	nextSeq  uint16
	haveSeq  bool
	lastSSRC uint32

	log zerolog.Logger
}

// NewDepayloader constructs a depayloader for the given sample rate. The
// AES key/IV must be installed with SetKey before any packet is processed.
func NewDepayloader(sampleRate uint32) *Depayloader {
	return &Depayloader{
		sampleRate: sampleRate,
		log:        log.With().Str("component", "raop-depayload").Logger(),
	}
}

// SetKey installs the session AES key and IV. Per §4.6, this must happen
// before any packets flow.
func (d *Depayloader) SetKey(key, iv []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aesKey = append([]byte(nil), key...)
	d.aesIV = append([]byte(nil), iv...)
}

// SetStartRTPTime records the RTP timestamp progress: reports are relative
// to, set by the progress: parameter (§4.3).
func (d *Depayloader) SetStartRTPTime(rtpTime uint32) {
	d.mu.Lock()
	d.startRTPTime = rtpTime
	d.mu.Unlock()
}

// Depayload decrypts buf in-place (AES-128-CBC, IV reset every call per
// §4.7), unmarshals the RTP header and returns the raw codec payload frame.
// The depayloader tracks the highest RTP timestamp seen for position
// queries, and the run of sequence numbers it has actually seen. When a
// packet arrives ahead of where the last one left off, the skipped range is
// returned as a non-nil gap so the caller can ask the client to resend it
// (C6). Late/duplicate packets (seq behind what was already seen) never
// produce a gap and never move the expected sequence backward.
func (d *Depayloader) Depayload(buf []byte) ([]byte, *SequenceGap, error) {
	pkt := rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	key, iv := d.aesKey, d.aesIV
	d.mu.Unlock()

	if len(key) == 16 && len(iv) == 16 {
		if err := raopcrypto.DecryptPayload(key, iv, pkt.Payload); err != nil {
			return nil, nil, err
		}
	}

	d.mu.Lock()
	if !d.haveLastRTP || rtpTimeAfter(pkt.Timestamp, d.lastRTPTime) {
		d.lastRTPTime = pkt.Timestamp
		d.haveLastRTP = true
	}

	var gap *SequenceGap
	if d.lastSSRC != pkt.SSRC || !d.haveSeq {
		d.nextSeq = pkt.SequenceNumber + 1
		d.haveSeq = true
		d.lastSSRC = pkt.SSRC
	} else {
		delta := int16(pkt.SequenceNumber - d.nextSeq)
		switch {
		case delta == 0:
			d.nextSeq = pkt.SequenceNumber + 1
		case delta > 0:
			gap = &SequenceGap{FirstSeq: d.nextSeq, Count: uint16(delta)}
			d.nextSeq = pkt.SequenceNumber + 1
			d.log.Debug().Uint16("first", gap.FirstSeq).Uint16("count", gap.Count).Msg("rtp sequence gap")
		default:
			d.log.Debug().Uint16("seq", pkt.SequenceNumber).Uint16("expected", d.nextSeq).Msg("late or duplicate rtp packet")
		}
	}
	d.mu.Unlock()

	if RTPDebug {
		d.log.Debug().Uint32("timestamp", pkt.Timestamp).Uint16("seq", pkt.SequenceNumber).Int("payload", len(pkt.Payload)).Msg("depayloaded frame")
	}

	return pkt.Payload, gap, nil
}

// PositionMillis answers the GET_POSITION query: (last_rtptime -
// start_rtptime) * 1000 / samplerate, floored at zero.
func (d *Depayloader) PositionMillis() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveLastRTP || d.sampleRate == 0 {
		return 0
	}

	delta := int64(d.lastRTPTime) - int64(d.startRTPTime)
	if delta < 0 {
		return 0
	}
	return delta * 1000 / int64(d.sampleRate)
}

// rtpTimeAfter compares two 32-bit RTP timestamps accounting for wraparound,
// same modular-arithmetic trick as RTP sequence comparisons.
func rtpTimeAfter(a, b uint32) bool {
	return int32(a-b) > 0
}
