// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

// Command go-raop runs a standalone AirPlay (RAOP) receiver that logs
// everything a host media player would otherwise consume: volume,
// progress and now-playing metadata. It exists to exercise the module
// end to end; a real host wires raop.Receiver into its own playback
// pipeline instead of printing to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	raop "github.com/dillya/go-raop"
)

// stdoutPlayer implements raop.Player by printing every event, standing in
// for the decode+sink pipeline the module treats as out of scope.
type stdoutPlayer struct{}

func (stdoutPlayer) SetVolume(linear float64)         { fmt.Printf("volume: %.2f\n", linear) }
func (stdoutPlayer) SetProgress(posMs, durMs int64)   { fmt.Printf("progress: %d/%d ms\n", posMs, durMs) }
func (stdoutPlayer) TakeTags(tags raop.Tags, reset bool) {
	fmt.Printf("tags (reset=%v): %q by %q (%q)\n", reset, tags.Title, tags.Artist, tags.Album)
}
func (stdoutPlayer) ResetCover() { fmt.Println("cover reset") }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	settings, err := raop.DecodeSettings(map[string]any{
		"name": envOr("RAOP_NAME", "Melo"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("decode settings")
	}

	r, err := raop.New(
		raop.WithSettings(settings),
		raop.WithPlayer(stdoutPlayer{}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("construct receiver")
	}

	if err := r.Enable(); err != nil {
		log.Fatal().Err(err).Msg("enable receiver")
	}
	log.Info().Stringer("addr", r.Addr()).Msg("listening")

	<-ctx.Done()
	if err := r.Disable(); err != nil {
		log.Error().Err(err).Msg("disable receiver")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
