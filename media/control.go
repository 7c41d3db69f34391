// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RTCPDebug mirrors the teacher's per-subsystem debug toggle, applied here
// to the RAOP control channel instead of real RTCP.
var RTCPDebug = false

const (
	raopResendRequestMarker = 0xD5 // RTP marker bit set, PT 0x55
	raopResendReplyMarker   = 0xD6 // RTP marker bit set, PT 0x56
)

var (
	ErrShortControlPacket = errors.New("raop control: packet too short")
	ErrNotResendReply     = errors.New("raop control: not a resend reply packet")
)

// ResendRequest is the 8-byte packet the receiver sends on the control
// channel to ask the client to retransmit a run of missing RTP packets.
type ResendRequest struct {
	RequestSeq uint16
	FirstSeq   uint16
	Count      uint16
}

// Marshal encodes the request in RAOP's RTP-shaped control framing.
func (r ResendRequest) Marshal() []byte {
	buf := make([]byte, 8)
	buf[0] = 0x80
	buf[1] = raopResendRequestMarker
	binary.BigEndian.PutUint16(buf[2:4], r.RequestSeq)
	binary.BigEndian.PutUint16(buf[4:6], r.FirstSeq)
	binary.BigEndian.PutUint16(buf[6:8], r.Count)
	return buf
}

// ParseResendReply strips the 4-byte RAOP resend-reply prefix off a packet
// received on the control channel, returning the original RTP packet bytes
// that follow it.
func ParseResendReply(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, ErrShortControlPacket
	}
	if buf[1] != raopResendReplyMarker {
		return nil, ErrNotResendReply
	}
	return buf[4:], nil
}

// Controller owns the shared UDP socket used for both sending retransmit
// requests and receiving retransmit replies (§4.6: "share one UDP socket so
// that retransmit replies return to the same socket that sent the
// request"). RTXMaxRetries is always zero per spec: one request per lost
// packet, no repeats.
type Controller struct {
	mu   sync.Mutex
	conn *net.UDPConn
	dst  *net.UDPAddr

	rtxDelay        time.Duration
	rtxRetryPeriod  time.Duration
	doRetransmit    bool

	nextRequestSeq uint16

	log zerolog.Logger

	OnResendReply func(pkt []byte)
}

// ControllerConfig carries the jitter-buffer-facing settings from §4.6.
type ControllerConfig struct {
	Latency        time.Duration
	DoRetransmit   bool
	RTXDelay       time.Duration
	RTXRetryPeriod time.Duration
}

// NewController wraps a control socket the caller has already bound and
// configures it to talk to (clientIP, clientControlPort). The socket is
// bound by the pipeline package, which owns the even-port-window probe
// policy (§4.5) shared by every RAOP port; Controller only uses it.
func NewController(conn *net.UDPConn, clientIP net.IP, clientControlPort int, conf ControllerConfig) (*Controller, error) {
	c := &Controller{
		conn:           conn,
		dst:            &net.UDPAddr{IP: clientIP, Port: clientControlPort},
		rtxDelay:       conf.RTXDelay,
		rtxRetryPeriod: conf.RTXRetryPeriod,
		doRetransmit:   conf.DoRetransmit && clientControlPort != 0,
		log:            log.With().Str("component", "raop-control").Logger(),
	}
	return c, nil
}

// LocalPort returns the bound UDP port, used as server_control in the
// SETUP response.
func (c *Controller) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// RequestResend asks the client to retransmit [firstSeq, firstSeq+count).
// It is a no-op if retransmission was not negotiated (control_port == 0).
func (c *Controller) RequestResend(firstSeq, count uint16) error {
	c.mu.Lock()
	if !c.doRetransmit {
		c.mu.Unlock()
		return nil
	}
	c.nextRequestSeq++
	req := ResendRequest{RequestSeq: c.nextRequestSeq, FirstSeq: firstSeq, Count: count}
	c.mu.Unlock()

	if RTCPDebug {
		c.log.Debug().Uint16("first", firstSeq).Uint16("count", count).Msg("requesting retransmit")
	}

	_, err := c.conn.WriteToUDP(req.Marshal(), c.dst)
	return err
}

// Serve reads retransmit replies until the socket is closed, invoking
// OnResendReply with the unwrapped RTP packet for each one.
func (c *Controller) Serve() error {
	buf := make([]byte, 2048)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		pkt, err := ParseResendReply(buf[:n])
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping non-resend-reply control packet")
			continue
		}

		if c.OnResendReply != nil {
			c.OnResendReply(append([]byte(nil), pkt...))
		}
	}
}

// Close releases the shared socket.
func (c *Controller) Close() error {
	return c.conn.Close()
}
