// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package raop

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/dillya/go-raop/pipeline"
)

// Settings is C10: the typed entries a host application can read and
// write, decoded from an untyped map the same way SilvaMendes' rtpengine
// client decodes bencoded responses with mapstructure. It is the module's
// only host-facing configuration surface (§6).
type Settings struct {
	Name            string `mapstructure:"name"`
	Password        string `mapstructure:"password"`
	Port            uint32 `mapstructure:"port"`
	LatencyMs       uint32 `mapstructure:"latency"`
	RTXDelayMs      int32  `mapstructure:"rtx_delay"`
	RTXRetryMs      int32  `mapstructure:"rtx_retry_period"`
	HackSyncDisable bool   `mapstructure:"hack_sync"`
}

// DefaultSettings returns the §6 settings table's defaults.
func DefaultSettings() Settings {
	return Settings{
		Name:       "Melo",
		Password:   "",
		Port:       5000,
		LatencyMs:  1000,
		RTXDelayMs: 500,
		RTXRetryMs: 100,
	}
}

// DecodeSettings applies a host-supplied map of overrides onto the
// defaults, the same decode-onto-a-typed-struct idiom the corpus uses for
// untyped wire/config payloads.
func DecodeSettings(raw map[string]any) (Settings, error) {
	s := DefaultSettings()
	if raw == nil {
		return s, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := decoder.Decode(raw); err != nil {
		return s, err
	}
	return s, nil
}

// pipelineSettings projects the jitter-buffer-facing subset of Settings
// into the pipeline package's own Settings type (§4.6).
func (s Settings) pipelineSettings() pipeline.Settings {
	return pipeline.Settings{
		Latency:        time.Duration(s.LatencyMs) * time.Millisecond,
		RTXDelay:       time.Duration(s.RTXDelayMs) * time.Millisecond,
		RTXRetryPeriod: time.Duration(s.RTXRetryMs) * time.Millisecond,
		DisableSync:    s.HackSyncDisable,
	}
}

// SettingsChangeFunc is invoked whenever a call to Receiver.ApplySettings
// changes a value the receiver cares about. Hosts use this to persist the
// new settings, matching §9's "change notification, not polled" framing.
type SettingsChangeFunc func(old, new Settings)
