// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package pipeline

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dillya/go-raop/media"
)

// State tracks the pipeline's position in the READY/PLAYING/PAUSED
// lifecycle driven by SETUP/RECORD/FLUSH/TEARDOWN (§4.5, §4.6).
type State int

const (
	StateReady State = iota
	StatePlaying
	StatePaused
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Sink is the opaque decode+playback collaborator the host player supplies.
// The pipeline never interprets codec frames itself; real ALAC/AAC/PCM
// decode is out of scope (§1 Non-goals).
type Sink interface {
	Write(frame []byte) error
	SetSync(enabled bool)
	Close() error
}

// Settings carries the jitter-buffer-facing knobs from the receiver's
// settings surface (C10) into a single pipeline build.
type Settings struct {
	Latency        time.Duration
	RTXDelay       time.Duration
	RTXRetryPeriod time.Duration
	DisableSync    bool
}

// Ports is the set of negotiated server-side ports returned in the SETUP
// response's Transport header.
type Ports struct {
	Audio   int
	Control int
	Timing  int
}

// Pipeline owns every resource built for one session's media transport:
// the bound sockets, the depayloader, and (UDP only) the shared control
// channel. Exactly one exists per RECORDING session.
type Pipeline struct {
	mu sync.Mutex

	transport string // "udp" or "tcp"
	state     State

	depayloader *media.Depayloader
	controller  *media.Controller
	sink        Sink

	audioConn     *net.UDPConn
	audioListener *net.TCPListener
	audioStream   net.Conn
	timingConn    *net.UDPConn

	ports Ports

	stopOnce sync.Once
	stopCh   chan struct{}

	log zerolog.Logger
}

// BuildUDP assembles the UDP variant: independent audio, control and timing
// sockets, each probed from its own base port per §4.5's even-window
// policy. The timing port is allocated here rather than echoed from the
// client, matching §8 scenario 1's worked example.
func BuildUDP(clientIP net.IP, clientControlPort int, audioBase, controlBase, timingBase int, sampleRate uint32, settings Settings, sink Sink) (*Pipeline, error) {
	audioConn, audioPort, err := defaultPool.probeUDP(net.IPv4zero, audioBase)
	if err != nil {
		return nil, fmt.Errorf("probe audio port: %w", err)
	}

	ctrlConn, _, err := defaultPool.probeUDP(net.IPv4zero, controlBase)
	if err != nil {
		audioConn.Close()
		return nil, fmt.Errorf("probe control port: %w", err)
	}

	timingConn, timingPort, err := defaultPool.probeUDP(net.IPv4zero, timingBase)
	if err != nil {
		audioConn.Close()
		ctrlConn.Close()
		return nil, fmt.Errorf("probe timing port: %w", err)
	}

	ctrl, err := media.NewController(ctrlConn, clientIP, clientControlPort, media.ControllerConfig{
		Latency:        settings.Latency,
		DoRetransmit:   clientControlPort != 0,
		RTXDelay:       settings.RTXDelay,
		RTXRetryPeriod: settings.RTXRetryPeriod,
	})
	if err != nil {
		audioConn.Close()
		ctrlConn.Close()
		timingConn.Close()
		return nil, fmt.Errorf("build control channel: %w", err)
	}

	p := &Pipeline{
		transport:   "udp",
		state:       StateReady,
		depayloader: media.NewDepayloader(sampleRate),
		controller:  ctrl,
		sink:        sink,
		audioConn:   audioConn,
		timingConn:  timingConn,
		ports: Ports{
			Audio:   audioPort,
			Control: ctrl.LocalPort(),
			Timing:  timingPort,
		},
		stopCh: make(chan struct{}),
		log:    log.With().Str("component", "pipeline").Str("transport", "udp").Logger(),
	}

	if !settings.DisableSync {
		sink.SetSync(true)
	} else {
		sink.SetSync(false)
	}

	ctrl.OnResendReply = func(pkt []byte) {
		if p.State() != StatePlaying {
			return
		}
		frame, _, err := p.depayloader.Depayload(pkt)
		if err != nil {
			p.log.Debug().Err(err).Msg("dropping malformed retransmitted rtp packet")
			return
		}
		if err := p.sink.Write(frame); err != nil {
			p.log.Warn().Err(err).Msg("sink write failed for retransmitted packet")
		}
	}

	go ctrl.Serve()

	return p, nil
}

// SetKey installs the session AES key/IV, which must happen before any
// audio packet flows (§4.6 cross-transport invariant).
func (p *Pipeline) SetKey(key, iv []byte) {
	p.depayloader.SetKey(key, iv)
}

// SetStartRTPTime records the progress: baseline for position queries.
func (p *Pipeline) SetStartRTPTime(rtpTime uint32) {
	p.depayloader.SetStartRTPTime(rtpTime)
}

// Ports returns the negotiated server-side ports for the SETUP response.
func (p *Pipeline) Ports() Ports {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

// Record transitions the pipeline to PLAYING and starts the appropriate
// read loop. first is the RTP-Info seq= value; currently used only for
// diagnostics since the depayloader tracks continuity itself.
func (p *Pipeline) Record(firstSeq uint16) error {
	p.mu.Lock()
	if p.state == StateTornDown {
		p.mu.Unlock()
		return errors.New("pipeline: record on torn-down pipeline")
	}
	wasReady := p.state == StateReady
	p.state = StatePlaying
	p.mu.Unlock()

	if wasReady {
		if p.audioConn != nil {
			go p.serveUDPAudio()
		} else if p.audioListener != nil {
			go p.serveTCPAudio()
		}
	}
	return nil
}

// Flush pauses the pipeline; nextSeq is the RTP-Info seq= of the first
// packet expected after resume, kept for diagnostics only.
func (p *Pipeline) Flush(nextSeq uint16) {
	p.mu.Lock()
	if p.state == StatePlaying {
		p.state = StatePaused
	}
	p.mu.Unlock()
}

// Resume transitions a PAUSED pipeline back to PLAYING on a subsequent
// RECORD.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StatePlaying
	}
	p.mu.Unlock()
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PositionMillis answers GET_POSITION-style queries via the retained
// depayloader (§4.6: "the depayloader is retained by the session").
func (p *Pipeline) PositionMillis() int64 {
	return p.depayloader.PositionMillis()
}

// Teardown releases every resource the pipeline holds. Safe to call more
// than once.
func (p *Pipeline) Teardown() error {
	p.mu.Lock()
	p.state = StateTornDown
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	var errs []error
	if p.controller != nil {
		if err := p.controller.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.audioConn != nil {
		if err := p.audioConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.timingConn != nil {
		if err := p.timingConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.audioStream != nil {
		if err := p.audioStream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.audioListener != nil {
		if err := p.audioListener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) serveUDPAudio() {
	buf := make([]byte, 2048)
	for {
		n, _, err := p.audioConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.log.Debug().Err(err).Msg("audio socket read stopped")
				return
			}
		}

		if p.State() != StatePlaying {
			continue
		}

		frame, gap, err := p.depayloader.Depayload(buf[:n])
		if err != nil {
			p.log.Debug().Err(err).Msg("dropping malformed rtp packet")
			continue
		}
		if gap != nil {
			if err := p.controller.RequestResend(gap.FirstSeq, gap.Count); err != nil {
				p.log.Debug().Err(err).Msg("requesting retransmit failed")
			}
		}
		if err := p.sink.Write(frame); err != nil {
			p.log.Warn().Err(err).Msg("sink write failed")
		}
	}
}

func (p *Pipeline) serveTCPAudio() {
	conn, err := p.audioListener.AcceptTCP()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.audioStream = conn
	p.mu.Unlock()

	r := bufio.NewReader(conn)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		frameLen := binary.BigEndian.Uint16(lenBuf[:])
		pkt := make([]byte, frameLen)
		if _, err := io.ReadFull(r, pkt); err != nil {
			return
		}

		if p.State() != StatePlaying {
			continue
		}

		frame, _, err := p.depayloader.Depayload(pkt)
		if err != nil {
			p.log.Debug().Err(err).Msg("dropping malformed rtp packet")
			continue
		}
		if err := p.sink.Write(frame); err != nil {
			p.log.Warn().Err(err).Msg("sink write failed")
		}
	}
}

// BuildTCP assembles the TCP interleaved variant: a listening socket on
// server_audio that starts directly into PLAYING once a client connects and
// issues RECORD (§4.5: "TCP transport is started directly into PLAYING").
func BuildTCP(audioBase int, sampleRate uint32, settings Settings, sink Sink) (*Pipeline, error) {
	listener, audioPort, err := defaultPool.probeTCP(net.IPv4zero, audioBase)
	if err != nil {
		return nil, fmt.Errorf("probe audio listener: %w", err)
	}

	p := &Pipeline{
		transport:     "tcp",
		state:         StateReady,
		depayloader:   media.NewDepayloader(sampleRate),
		sink:          sink,
		audioListener: listener,
		ports:         Ports{Audio: audioPort},
		stopCh:        make(chan struct{}),
		log:           log.With().Str("component", "pipeline").Str("transport", "tcp").Logger(),
	}

	sink.SetSync(!settings.DisableSync)

	return p, nil
}
