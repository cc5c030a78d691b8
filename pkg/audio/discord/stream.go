package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/orchestra/pkg/audio"
)

var errDisconnected = errors.New("discord: voice connection closed")

type stream struct {
	b     *Backend
	conn  *connection
	dir   audio.Direction
	dev   int
	state audio.StreamState
	log   *slog.Logger

	enc   *opusEncoder
	pacer *audio.Pacer

	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Start() error {
	if err := s.state.Start(); err != nil {
		return err
	}
	s.engage()
	return nil
}

func (s *stream) Resume() error {
	if err := s.state.Resume(); err != nil {
		return err
	}
	s.engage()
	return nil
}

func (s *stream) Pause() error {
	if err := s.state.Pause(); err != nil {
		return err
	}
	s.disengage()
	return nil
}

func (s *stream) Stop() error {
	wasRunning := s.state.Running()
	if err := s.state.Stop(); err != nil {
		return err
	}
	if wasRunning {
		s.disengage()
	}
	return nil
}

func (s *stream) engage() {
	if s.dir == audio.DirectionOutput {
		s.conn.setSpeaking(true)
		return
	}
	// Start capture from now, not from whatever queued while idle.
	s.conn.drain()
	if s.pacer != nil {
		s.pacer.Reset()
	}
}

func (s *stream) disengage() {
	if s.dir == audio.DirectionOutput {
		s.conn.setSpeaking(false)
	}
}

func (s *stream) Close() error {
	if !s.state.Close() {
		return nil
	}
	s.closeOnce.Do(func() { close(s.done) })
	s.b.release(s.dev)
	s.log.Debug("discord stream closed")
	return nil
}

// Write encodes one 20 ms chunk and hands it to the voice connection, which
// sends at the channel's pace.
func (s *stream) Write(buf []int16) error {
	if s.dir != audio.DirectionOutput {
		return fmt.Errorf("discord: write on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	opus, err := s.enc.encode(buf)
	if err != nil {
		return err
	}
	select {
	case s.conn.v.send <- opus:
		return nil
	case <-s.done:
		return audio.ErrStreamClosed
	case <-s.conn.done:
		return errDisconnected
	}
}

// Read returns 20 ms of the channel's speakers mixed together, or silence
// when nobody spoke.
func (s *stream) Read(buf []int16) error {
	if s.dir != audio.DirectionInput {
		return fmt.Errorf("discord: read on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	if s.pacer != nil {
		if _, ok := s.pacer.Wait(s.done); !ok {
			return audio.ErrStreamClosed
		}
	}
	select {
	case <-s.conn.done:
		return errDisconnected
	default:
	}
	s.conn.mix(buf)
	if s.conn.overflowed.Swap(false) {
		return fmt.Errorf("discord: speaker queue full: %w", audio.ErrOverflow)
	}
	return nil
}
