// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package raop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dillya/go-raop/dmap"
)

func TestDefaultSettingsMatchTable(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, "Melo", s.Name)
	require.Equal(t, "", s.Password)
	require.Equal(t, uint32(5000), s.Port)
	require.Equal(t, uint32(1000), s.LatencyMs)
	require.Equal(t, int32(500), s.RTXDelayMs)
	require.Equal(t, int32(100), s.RTXRetryMs)
	require.False(t, s.HackSyncDisable)
}

func TestDecodeSettingsAppliesOverridesOntoDefaults(t *testing.T) {
	s, err := DecodeSettings(map[string]any{
		"name":     "LivingRoom",
		"password": "secret",
		"port":     5100,
	})
	require.NoError(t, err)
	require.Equal(t, "LivingRoom", s.Name)
	require.Equal(t, "secret", s.Password)
	require.Equal(t, uint32(5100), s.Port)
	// untouched fields keep their defaults
	require.Equal(t, uint32(1000), s.LatencyMs)
}

func TestDecodeSettingsNilMapReturnsDefaults(t *testing.T) {
	s, err := DecodeSettings(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(), s)
}

func TestPipelineSettingsMapping(t *testing.T) {
	s := Settings{LatencyMs: 2000, RTXDelayMs: 250, RTXRetryMs: 50, HackSyncDisable: true}
	ps := s.pipelineSettings()
	require.Equal(t, int64(2000), ps.Latency.Milliseconds())
	require.Equal(t, int64(250), ps.RTXDelay.Milliseconds())
	require.Equal(t, int64(50), ps.RTXRetryPeriod.Milliseconds())
	require.True(t, ps.DisableSync)
}

type fakePlayer struct {
	volumes   []float64
	positions [][2]int64
	tags      []Tags
	resets    int
	reset     []bool
}

func (p *fakePlayer) SetVolume(linear float64)       { p.volumes = append(p.volumes, linear) }
func (p *fakePlayer) SetProgress(posMs, durMs int64) { p.positions = append(p.positions, [2]int64{posMs, durMs}) }
func (p *fakePlayer) TakeTags(tags Tags, reset bool) {
	p.tags = append(p.tags, tags)
	p.reset = append(p.reset, reset)
}
func (p *fakePlayer) ResetCover() { p.resets++ }

func TestPlayerNotifierForwardsToPlayer(t *testing.T) {
	fp := &fakePlayer{}
	n := playerNotifier{player: fp}

	n.OnVolume(0.5)
	n.OnProgress(1000, 2000)
	n.OnTags(dmap.Tags{Title: "Song", Artist: "Artist"}, true, []byte{0xFF}, "image/jpeg")
	n.OnCoverReset()

	require.Equal(t, []float64{0.5}, fp.volumes)
	require.Equal(t, [][2]int64{{1000, 2000}}, fp.positions)
	require.Len(t, fp.tags, 1)
	require.Equal(t, "Song", fp.tags[0].Title)
	require.Equal(t, []byte{0xFF}, fp.tags[0].Cover)
	require.True(t, fp.reset[0])
	require.Equal(t, 1, fp.resets)
}

func TestPlayerNotifierToleratesNilPlayer(t *testing.T) {
	n := playerNotifier{}
	require.NotPanics(t, func() {
		n.OnVolume(1)
		n.OnProgress(0, 0)
		n.OnTags(dmap.Tags{}, false, nil, "")
		n.OnCoverReset()
	})
}

func TestNewConstructsWithoutStarting(t *testing.T) {
	r, err := New(WithSettings(Settings{Name: "Test", Port: 0}))
	require.NoError(t, err)
	require.Nil(t, r.Addr())
	require.Equal(t, "Test", r.Settings().Name)

	_, ok := r.QueryPosition()
	require.False(t, ok)
}

func TestDisableBeforeEnableIsError(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	require.ErrorIs(t, r.Disable(), ErrNotStarted)
}

func TestDeriveHWAddrFallsBackWhenNoInterface(t *testing.T) {
	// deriveHWAddr always returns 6 bytes, either a real MAC or the
	// documented fallback (§3); either way the result must be non-nil and
	// exactly 6 bytes, which [6]byte guarantees at the type level.
	hw := deriveHWAddr()
	require.Len(t, hw, 6)
}
