// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	raopcrypto "github.com/dillya/go-raop/crypto"
	"github.com/dillya/go-raop/dmap"
	"github.com/dillya/go-raop/pipeline"
	"github.com/dillya/go-raop/sdp"
)

// SessionState enumerates the FSM states of §4.1: FRESH → AUTHED →
// ANNOUNCED → SETUP → RECORDING ⇄ PAUSED → TORN_DOWN.
type SessionState int

const (
	StateFresh SessionState = iota
	StateAuthed
	StateAnnounced
	StateSetup
	StateRecording
	StatePaused
	StateTornDown
)

func (s SessionState) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateAuthed:
		return "AUTHED"
	case StateAnnounced:
		return "ANNOUNCED"
	case StateSetup:
		return "SETUP"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// HostNotifier is the host application's side of the §6 consumer
// interface: the events a session pushes outward as the connection
// progresses. The FSM never holds a concrete player type, only this
// interface (§9 design notes).
type HostNotifier interface {
	OnVolume(linear float64)
	OnProgress(posMs, durMs int64)
	OnTags(tags dmap.Tags, reset bool, cover []byte, contentType string)
	OnCoverReset()
}

const (
	defaultAudioPortBase   = 6000
	defaultControlPortBase = 6002
	defaultTimingPortBase  = 6004
)

// Session is one RTSP connection's worth of AirPlay state (§3 "Session").
type Session struct {
	mu sync.Mutex

	conn     *Conn
	handler  *SessionHandler
	log      zerolog.Logger
	state    SessionState

	authenticated bool

	codec      sdp.Codec
	format     string
	aesKey     []byte
	aesIV      []byte
	sampleRate uint32
	channels   uint32

	transport string // "udp" or "tcp"
	pipeline  *pipeline.Pipeline

	volumeLinear float64

	hasMper    bool
	lastMper   [8]byte
	coverRef   CoverHandle
	coverBuf   bytes.Buffer
	coverCT    string
	coverReady bool
}

func newSession(c *Conn, h *SessionHandler) *Session {
	return &Session{
		conn:         c,
		handler:      h,
		log:          log.With().Str("component", "rtsp-session").Str("conn", c.ID.String()).Logger(),
		state:        StateFresh,
		volumeLinear: 1.0,
	}
}

// SessionHandler implements rtsp.Handler, owning the digest challenge
// cache and the at-most-one-current-session arbitration (§4.10).
type SessionHandler struct {
	mu sync.Mutex

	name     string
	password string
	hwAddr   [6]byte
	pkey     *rsa.PrivateKey

	settings    pipeline.Settings
	sinkFactory func() pipeline.Sink
	notifier    HostNotifier

	digest     *digestAuth
	coverCache *CoverCache

	sessions map[*Conn]*Session
	current  *Session

	log zerolog.Logger
}

// SessionHandlerConfig bundles the receiver-owned state a SessionHandler
// needs but must never mutate directly (that's C9's job).
type SessionHandlerConfig struct {
	Name        string
	Password    string
	HWAddr      [6]byte
	PrivateKey  *rsa.PrivateKey
	Settings    pipeline.Settings
	SinkFactory func() pipeline.Sink
	Notifier    HostNotifier
}

// NewSessionHandler builds the RTSP method dispatcher for a receiver.
func NewSessionHandler(cfg SessionHandlerConfig) *SessionHandler {
	return &SessionHandler{
		name:        cfg.Name,
		password:    cfg.Password,
		hwAddr:      cfg.HWAddr,
		pkey:        cfg.PrivateKey,
		settings:    cfg.Settings,
		sinkFactory: cfg.SinkFactory,
		notifier:    cfg.Notifier,
		digest:      newDigestAuth(cfg.Name),
		sessions:    make(map[*Conn]*Session),
		log:         log.With().Str("component", "rtsp-handler").Logger(),
	}
}

// UpdateIdentity applies a live name/password change (§C10: these settings
// are live-republished, not deferred to the next session).
func (h *SessionHandler) UpdateIdentity(name, password string) {
	h.mu.Lock()
	h.name = name
	h.password = password
	h.mu.Unlock()
	h.digest.setRealm(name)
}

// UpdateSettings applies latency/rtx settings to the next pipeline build.
func (h *SessionHandler) UpdateSettings(s pipeline.Settings) {
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()
}

func (h *SessionHandler) identity() (string, string, [6]byte, *rsa.PrivateKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name, h.password, h.hwAddr, h.pkey
}

// HandleRequest dispatches one parsed request to the session's FSM,
// creating the session on first contact from a connection (§3
// "Lifecycles").
func (h *SessionHandler) HandleRequest(c *Conn, req *Request) *Response {
	h.mu.Lock()
	sess, ok := h.sessions[c]
	if !ok {
		sess = newSession(c, h)
		h.sessions[c] = sess
	}
	h.mu.Unlock()

	return sess.handle(req)
}

// HandleClose tears down any pipeline still owned by the closed
// connection's session (§3: "destroyed on connection close or TEARDOWN").
func (h *SessionHandler) HandleClose(c *Conn) {
	h.mu.Lock()
	sess, ok := h.sessions[c]
	delete(h.sessions, c)
	if ok && h.current == sess {
		h.current = nil
	}
	h.mu.Unlock()

	if ok {
		sess.teardownLocked()
	}
}

// CurrentPositionMillis answers a host's position query against whichever
// session is currently arbitrated as current (§4.10), if any.
func (h *SessionHandler) CurrentPositionMillis() (int64, bool) {
	h.mu.Lock()
	cur := h.current
	h.mu.Unlock()
	if cur == nil {
		return 0, false
	}

	cur.mu.Lock()
	pl := cur.pipeline
	cur.mu.Unlock()
	if pl == nil {
		return 0, false
	}
	return pl.PositionMillis(), true
}

func (h *SessionHandler) attachCurrent(sess *Session) {
	h.mu.Lock()
	prev := h.current
	h.current = sess
	h.mu.Unlock()

	if prev != nil && prev != sess {
		prev.log.Info().Msg("session superseded by new SETUP, closing")
		prev.teardownLocked()
		prev.conn.Close()
	}
}

// handle dispatches a single request through the FSM. Unexpected methods
// for the current state are not errors; they return 200 with no side
// effect (§4.1).
func (s *Session) handle(req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, password, hwAddr, pkey := s.handler.identity()

	resp := NewResponse(200)
	resp.SetHeader("CSeq", req.Header("CSeq"))
	resp.SetHeader("Server", "go-raop/1.0")

	if chal := req.Header("Apple-Challenge"); chal != "" {
		localIP := localIPOf(s.conn)
		ar, err := appleChallengeResponse(pkey, chal, localIP, hwAddr)
		if err == nil {
			resp.SetHeader("Apple-Response", ar)
		} else {
			s.log.Debug().Err(err).Msg("apple-challenge handshake failed")
		}
	}

	if password != "" && !s.authenticated && req.Method != "OPTIONS" {
		if auth := req.Header("Authorization"); auth != "" {
			if err := s.handler.digest.Verify(req.Method, auth, password); err == nil {
				s.authenticated = true
			}
		}

		if !s.authenticated {
			chalHeader, err := s.handler.digest.Challenge()
			if err != nil {
				resp.StatusCode, resp.Reason = 500, reasonPhrase(500)
				return resp
			}
			resp.StatusCode, resp.Reason = 401, reasonPhrase(401)
			resp.SetHeader("WWW-Authenticate", chalHeader)
			return resp
		}
	}

	switch req.Method {
	case "OPTIONS":
		resp.SetHeader("Public", "ANNOUNCE, SETUP, RECORD, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER")
	case "ANNOUNCE":
		s.handleAnnounce(req, resp)
	case "SETUP":
		s.handleSetup(req, resp, name)
	case "RECORD":
		s.handleRecord(req, resp)
	case "FLUSH":
		s.handleFlush(req, resp)
	case "SET_PARAMETER":
		s.handleSetParameter(req, resp)
	case "GET_PARAMETER":
		s.handleGetParameter(req, resp)
	case "TEARDOWN":
		s.teardownUnlocked()
	case "PAUSE":
		// no-op: observed ambiguity (§9), some clients send PAUSE instead of FLUSH
	default:
		// benign: unknown method, 200 OK no side effect (§7)
	}

	return resp
}

func (s *Session) handleAnnounce(req *Request, resp *Response) {
	ann, err := sdp.ParseAudioAnnounce(req.Body)
	if err != nil {
		resp.StatusCode, resp.Reason = 400, reasonPhrase(400)
		return
	}

	s.codec = ann.Codec
	s.format = ann.Format

	if ann.AESKeyB64 != "" {
		raw, err := sdp.DecodeLenientBase64(ann.AESKeyB64)
		if err != nil {
			resp.StatusCode, resp.Reason = 400, reasonPhrase(400)
			return
		}
		key, err := decryptSessionKey(s.handler, raw)
		if err != nil {
			resp.StatusCode, resp.Reason = 400, reasonPhrase(400)
			return
		}
		s.aesKey = key
	}
	if ann.AESIVB64 != "" {
		iv, err := sdp.DecodeLenientBase64(ann.AESIVB64)
		if err != nil || len(iv) != 16 {
			resp.StatusCode, resp.Reason = 400, reasonPhrase(400)
			return
		}
		s.aesIV = iv
	}

	s.sampleRate = ann.SampleRate
	s.channels = ann.Channels

	s.state = StateAnnounced
}

func (s *Session) handleSetup(req *Request, resp *Response, name string) {
	transport := req.Header("Transport")
	isTCP := strings.Contains(transport, "TCP")
	clientControl := parseTransportParam(transport, "control_port")
	clientTimingPort := parseTransportParam(transport, "timing_port")
	s.log.Debug().Int("client_timing_port", clientTimingPort).Msg("client-reported timing port, server allocates its own")

	clientIP := remoteIPOf(s.conn)

	sink := s.handler.sinkFactory()
	h := s.handler
	h.mu.Lock()
	settings := h.settings
	h.mu.Unlock()

	var pl *pipeline.Pipeline
	var err error
	var transportHeader string

	if isTCP {
		pl, err = pipeline.BuildTCP(defaultAudioPortBase, s.sampleRate, settings, sink)
		if err != nil {
			resp.StatusCode, resp.Reason = 500, reasonPhrase(500)
			return
		}
		ports := pl.Ports()
		transportHeader = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=0-1;mode=record;server_port=%d;", ports.Audio)
		s.transport = "tcp"
	} else {
		pl, err = pipeline.BuildUDP(clientIP, clientControl, defaultAudioPortBase, defaultControlPortBase, defaultTimingPortBase, s.sampleRate, settings, sink)
		if err != nil {
			resp.StatusCode, resp.Reason = 500, reasonPhrase(500)
			return
		}
		ports := pl.Ports()
		transportHeader = fmt.Sprintf("RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d;server_port=%d;",
			ports.Control, ports.Timing, ports.Audio)
		s.transport = "udp"
	}

	if len(s.aesKey) == 16 && len(s.aesIV) == 16 {
		pl.SetKey(s.aesKey, s.aesIV)
	}

	s.pipeline = pl
	s.state = StateSetup

	s.handler.attachCurrent(s)

	resp.SetHeader("Transport", transportHeader)
	resp.SetHeader("Session", "1")
	resp.SetHeader("Audio-Jack-Status", "connected; type=analog")
}

func (s *Session) handleRecord(req *Request, resp *Response) {
	if s.pipeline == nil {
		return
	}
	seq := parseRTPInfoSeq(req.Header("RTP-Info"))
	if err := s.pipeline.Record(seq); err != nil {
		resp.StatusCode, resp.Reason = 500, reasonPhrase(500)
		return
	}
	s.state = StateRecording
}

func (s *Session) handleFlush(req *Request, resp *Response) {
	if s.pipeline == nil {
		return
	}
	seq := parseRTPInfoSeq(req.Header("RTP-Info"))
	s.pipeline.Flush(seq)
	s.state = StatePaused
}

func (s *Session) handleSetParameter(req *Request, resp *Response) {
	ct := req.Header("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/parameters"):
		s.handleTextParameters(req.Body)
	case ct == "application/x-dmap-tagged":
		s.handleDMAP(req.Body)
	case strings.HasPrefix(ct, "image/"):
		s.handleCoverChunk(req, ct)
	}
}

func (s *Session) handleGetParameter(req *Request, resp *Response) {
	body := strings.TrimSpace(string(req.Body))
	if strings.HasPrefix(body, "volume") {
		v := volumeToWire(s.volumeLinear)
		resp.Body = []byte(fmt.Sprintf("volume: %.6f\r\n", v))
		resp.SetHeader("Content-Type", "text/parameters")
	}
}

func (s *Session) handleTextParameters(body []byte) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])

		switch key {
		case "volume":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			s.volumeLinear = wireToVolume(f)
			if s.handler.notifier != nil {
				s.handler.notifier.OnVolume(s.volumeLinear)
			}
		case "progress":
			parts := strings.Split(val, "/")
			if len(parts) != 3 {
				continue
			}
			start, e1 := strconv.ParseUint(parts[0], 10, 32)
			cur, e2 := strconv.ParseUint(parts[1], 10, 32)
			end, e3 := strconv.ParseUint(parts[2], 10, 32)
			if e1 != nil || e2 != nil || e3 != nil {
				continue
			}
			if s.pipeline != nil {
				s.pipeline.SetStartRTPTime(uint32(start))
			}
			rate := s.sampleRate
			if rate == 0 {
				rate = 44100
			}
			posMs := int64(0)
			if cur >= start {
				posMs = int64(cur-start) * 1000 / int64(rate)
			}
			durMs := int64(end-start) * 1000 / int64(rate)
			if s.handler.notifier != nil {
				s.handler.notifier.OnProgress(posMs, durMs)
			}
		}
	}
}

func (s *Session) handleDMAP(body []byte) {
	tags, err := dmap.Parse(body)
	if err != nil {
		s.log.Debug().Err(err).Msg("dmap parse failed")
		return
	}

	reset := false
	if tags.HasMper {
		if !s.hasMper || !bytes.Equal(s.lastMper[:], tags.Mper[:]) {
			reset = true
			s.hasMper = true
			s.lastMper = tags.Mper
		}
	}

	var cover []byte
	if s.coverReady {
		cover, _ = s.handler.covers().Get(s.coverRef)
	}

	if s.handler.notifier != nil {
		s.handler.notifier.OnTags(tags, reset, cover, s.coverCT)
	}
}

func (s *Session) handleCoverChunk(req *Request, ct string) {
	if ct == "image/none" {
		if s.coverRef != "" {
			s.handler.covers().Release(s.coverRef)
		}
		s.coverRef = ""
		s.coverReady = false
		s.coverBuf.Reset()
		if s.handler.notifier != nil {
			s.handler.notifier.OnCoverReset()
		}
		return
	}

	// The transport layer reads the full declared Content-Length before a
	// request ever reaches here (transport.go's readRequest), so req.Body
	// is always a complete SET_PARAMETER image message, never a partial
	// chunk of one. Content-address and hold it for the next mper-bearing
	// tags push (§4.3: "cover art ... buffered but not pushed" until an
	// mper has been observed).
	s.coverBuf.Write(req.Body)
	s.coverCT = ct

	s.coverRef = s.handler.covers().Put(s.coverBuf.Bytes())
	s.coverReady = true
	s.coverBuf.Reset()
}

func (s *Session) teardownUnlocked() {
	if s.pipeline != nil {
		if err := s.pipeline.Teardown(); err != nil {
			s.log.Debug().Err(err).Msg("pipeline teardown reported error")
		}
		s.pipeline = nil
	}
	s.state = StateTornDown
}

func (s *Session) teardownLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownUnlocked()
}

func (h *SessionHandler) covers() *CoverCache {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.coverCache == nil {
		h.coverCache = newCoverCache()
	}
	return h.coverCache
}

func decryptSessionKey(h *SessionHandler, ciphertext []byte) ([]byte, error) {
	_, _, _, pkey := h.identity()
	return raopcrypto.DecryptSessionKey(pkey, ciphertext)
}

func localIPOf(c *Conn) net.IP {
	if a, ok := c.Conn.LocalAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return net.IPv4zero
}

func remoteIPOf(c *Conn) net.IP {
	if a, ok := c.Conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return net.IPv4zero
}

func parseTransportParam(transport, key string) int {
	for _, tok := range strings.Split(transport, ";") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, key+"=") {
			v, err := strconv.Atoi(strings.TrimPrefix(tok, key+"="))
			if err == nil {
				return v
			}
		}
	}
	return 0
}

func parseRTPInfoSeq(rtpInfo string) uint16 {
	for _, tok := range strings.Split(rtpInfo, ";") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, "seq=") {
			v, err := strconv.ParseUint(strings.TrimPrefix(tok, "seq="), 10, 16)
			if err == nil {
				return uint16(v)
			}
		}
	}
	return 0
}

// volumeToWire is the inverse of wireToVolume (§4.8): muted → -144.0,
// else (linear-1)*30.
func volumeToWire(linear float64) float64 {
	if linear <= 0 {
		return -144.0
	}
	return (linear - 1) * 30
}

// wireToVolume implements §4.8's forward mapping.
func wireToVolume(wire float64) float64 {
	if wire <= -144.0 {
		return 0.0
	}
	v := (wire + 30) / 30
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}
