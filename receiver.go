// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Package raop is the AirPlay (RAOP) receiver module's root package: the
// C9 receiver owning the RTSP server, the at-most-one current session
// arbitration, the settings surface, and the mDNS advertisement. It is
// modeled on the teacher's Diago struct and functional-options
// construction, re-architected per the design notes as an explicit owned
// handle with Enable/Disable lifecycle rather than ambient singleton
// state.
package raop

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	raopcrypto "github.com/dillya/go-raop/crypto"
	"github.com/dillya/go-raop/discovery"
	"github.com/dillya/go-raop/dmap"
	"github.com/dillya/go-raop/pipeline"
	"github.com/dillya/go-raop/rtsp"
)

// Player is the push side of the §6 consumer interface: the host media
// player the receiver notifies as the current session's control channel
// carries volume, progress and metadata. The RTSP core never holds a
// concrete type, only this interface (§9 design notes), satisfied here by
// adapting it onto rtsp.HostNotifier.
type Player interface {
	SetVolume(linear float64)
	SetProgress(posMs, durMs int64)
	TakeTags(tags Tags, reset bool)
	ResetCover()
}

// Tags re-exports dmap.Tags plus the cover bytes/content-type a Player
// receives together with a tags push, so host packages never need to
// import the dmap package directly.
type Tags struct {
	Title       string
	Artist      string
	Album       string
	Genre       string
	Cover       []byte
	ContentType string
}

var (
	// ErrAlreadyStarted is returned by Enable when the receiver is already
	// running.
	ErrAlreadyStarted = errors.New("raop: receiver already started")
	// ErrNotStarted is returned by operations that require a running
	// receiver.
	ErrNotStarted = errors.New("raop: receiver not started")
)

// Receiver is the C9 singleton-within-process-lifetime AirPlay receiver:
// an owned handle constructed with New and released with Disable, never
// ambient package state.
type Receiver struct {
	mu sync.Mutex

	settings Settings
	hwAddr   [6]byte
	pkey     *rsa.PrivateKey

	sinkFactory func() pipeline.Sink
	player      Player
	onChange    SettingsChangeFunc

	server     *rtsp.Server
	handler    *rtsp.SessionHandler
	advertiser *discovery.Advertiser

	log zerolog.Logger
}

// Option configures a Receiver at construction time, mirroring the
// teacher's DiagoOption functional-options pattern.
type Option func(r *Receiver)

// WithSettings seeds the receiver with settings other than the §6
// defaults.
func WithSettings(s Settings) Option {
	return func(r *Receiver) { r.settings = s }
}

// WithSinkFactory supplies the decode+playback collaborator constructor
// the pipeline assembler (C7) calls for every new SETUP. The decode
// pipeline itself is out of scope (§1); this is the seam it plugs into.
func WithSinkFactory(f func() pipeline.Sink) Option {
	return func(r *Receiver) { r.sinkFactory = f }
}

// WithPlayer registers the host's Player, the push side of the §6
// consumer interface.
func WithPlayer(p Player) Option {
	return func(r *Receiver) { r.player = p }
}

// WithSettingsChangeFunc registers a callback invoked whenever
// ApplySettings changes a value, so the host can persist it (§9: "change
// notification, not polled").
func WithSettingsChangeFunc(f SettingsChangeFunc) Option {
	return func(r *Receiver) { r.onChange = f }
}

// New constructs a Receiver. It does not bind any socket or advertise
// anything until Enable is called.
func New(opts ...Option) (*Receiver, error) {
	pkey, err := raopcrypto.LoadAirportKey()
	if err != nil {
		return nil, fmt.Errorf("raop: load embedded key: %w", err)
	}

	r := &Receiver{
		settings: DefaultSettings(),
		hwAddr:   deriveHWAddr(),
		pkey:     pkey,
		log:      log.With().Str("component", "raop-receiver").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.sinkFactory == nil {
		r.sinkFactory = func() pipeline.Sink { return discardSink{} }
	}
	return r, nil
}

// deriveHWAddr returns the first non-loopback interface's MAC, or the
// protocol's documented fallback (§3).
func deriveHWAddr() [6]byte {
	var fallback = [6]byte{0x00, 0x51, 0x52, 0x53, 0x54, 0x55}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fallback
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) != 6 {
			continue
		}
		var hw [6]byte
		copy(hw[:], iface.HardwareAddr)
		return hw
	}
	return fallback
}

// Enable starts the RTSP server and mDNS advertisement. It is an error to
// call Enable twice without an intervening Disable.
func (r *Receiver) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		return ErrAlreadyStarted
	}

	r.handler = rtsp.NewSessionHandler(rtsp.SessionHandlerConfig{
		Name:        r.settings.Name,
		Password:    r.settings.Password,
		HWAddr:      r.hwAddr,
		PrivateKey:  r.pkey,
		Settings:    r.settings.pipelineSettings(),
		SinkFactory: r.sinkFactory,
		Notifier:    playerNotifier{r.player},
	})

	addr := fmt.Sprintf(":%d", r.settings.Port)
	server, err := rtsp.Listen(addr, r.handler)
	if err != nil {
		r.handler = nil
		return fmt.Errorf("raop: start rtsp server: %w", err)
	}
	r.server = server

	go func() {
		if err := server.Serve(); err != nil {
			r.log.Debug().Err(err).Msg("rtsp server stopped")
		}
	}()

	r.advertiser = discovery.NewAdvertiser(r.hwAddr, r.settings.Name, uint16(r.settings.Port), discovery.TXT{
		Password: r.settings.Password != "",
	})
	if err := r.advertiser.Start(); err != nil {
		server.Close()
		r.server = nil
		r.handler = nil
		r.advertiser = nil
		return fmt.Errorf("raop: start mdns advertiser: %w", err)
	}

	r.log.Info().Str("name", r.settings.Name).Uint32("port", r.settings.Port).Msg("receiver started")
	return nil
}

// Disable releases the mDNS service handle and stops the RTSP server.
// Any current session's pipeline is torn down as connections close.
func (r *Receiver) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil {
		return ErrNotStarted
	}

	var errs []error
	if r.advertiser != nil {
		if err := r.advertiser.Stop(); err != nil {
			errs = append(errs, err)
		}
		r.advertiser = nil
	}
	if err := r.server.Close(); err != nil {
		errs = append(errs, err)
	}
	r.server = nil
	r.handler = nil

	r.log.Info().Msg("receiver stopped")
	return errors.Join(errs...)
}

// ApplySettings merges in a settings change. name/password/port changes
// are live-republished to mDNS and the digest realm immediately per §6;
// latency/rtx/hack_sync changes apply to the next session's pipeline
// build.
func (r *Receiver) ApplySettings(s Settings) {
	r.mu.Lock()
	old := r.settings
	r.settings = s
	handler := r.handler
	advertiser := r.advertiser
	onChange := r.onChange
	r.mu.Unlock()

	if handler != nil {
		handler.UpdateIdentity(s.Name, s.Password)
		handler.UpdateSettings(s.pipelineSettings())
	}
	if advertiser != nil && (old.Name != s.Name || old.Password != s.Password || old.Port != s.Port) {
		advertiser.Update(r.hwAddr, s.Name, uint16(s.Port), discovery.TXT{Password: s.Password != ""})
	}
	if onChange != nil {
		onChange(old, s)
	}
}

// Settings returns the receiver's current settings snapshot.
func (r *Receiver) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// QueryPosition answers §6's query_position() capability against whichever
// session is currently arbitrated as current, if any.
func (r *Receiver) QueryPosition() (ms int64, ok bool) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return 0, false
	}
	return handler.CurrentPositionMillis()
}

// Addr returns the bound RTSP listener address, or nil if not started.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return nil
	}
	return r.server.Addr()
}

// playerNotifier adapts a host-supplied Player (the public, simplified
// push interface) onto rtsp.HostNotifier (the internal interface the
// session FSM calls into), translating dmap.Tags into the package-neutral
// Tags type.
type playerNotifier struct {
	player Player
}

func (n playerNotifier) OnVolume(linear float64) {
	if n.player != nil {
		n.player.SetVolume(linear)
	}
}

func (n playerNotifier) OnProgress(posMs, durMs int64) {
	if n.player != nil {
		n.player.SetProgress(posMs, durMs)
	}
}

func (n playerNotifier) OnTags(tags dmap.Tags, reset bool, cover []byte, contentType string) {
	if n.player != nil {
		n.player.TakeTags(Tags{
			Title:       tags.Title,
			Artist:      tags.Artist,
			Album:       tags.Album,
			Genre:       tags.Genre,
			Cover:       cover,
			ContentType: contentType,
		}, reset)
	}
}

func (n playerNotifier) OnCoverReset() {
	if n.player != nil {
		n.player.ResetCover()
	}
}

// discardSink is the no-op Sink used when a host does not supply one,
// keeping Receiver constructible in tests without a real decode pipeline.
type discardSink struct{}

func (discardSink) Write(frame []byte) error { return nil }
func (discardSink) SetSync(enabled bool)     {}
func (discardSink) Close() error             { return nil }
