package state

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/session"
)

// TransportState is the playback position of the player as seen from events.
type TransportState string

const (
	StateIdle    TransportState = "IDLE"
	StateLoading TransportState = "LOADING"
	StatePlaying TransportState = "PLAYING"
	StatePaused  TransportState = "PAUSED"
)

// PlayerState mirrors the player from its event stream: the last value of
// every observed property and the derived transport state.
type PlayerState struct {
	ctx context.Context

	mu             sync.RWMutex
	props          map[string]codec.Value
	TransportState TransportState
	Paused         bool
	LastEvent      string
	UpdatedAt      time.Time

	sub  *session.Subscription
	done chan struct{}
}

// New returns an idle state that is fed by Apply.
func New(ctx context.Context) *PlayerState {
	return &PlayerState{
		ctx:            ctx,
		props:          make(map[string]codec.Value),
		TransportState: StateIdle,
	}
}

// Track subscribes to s and applies its events until the session ends,
// ctx is done or Stop is called.
func Track(ctx context.Context, s *session.Session) *PlayerState {
	st := New(ctx)
	st.sub = s.Subscribe()
	st.done = make(chan struct{})
	go st.run()
	return st
}

func (s *PlayerState) Context() context.Context { return s.ctx }

func (s *PlayerState) run() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				log.CtxDebug(s.ctx, "player state tracking ended: %v", s.sub.Err())
				return
			}
			s.Apply(ev)
		case <-s.ctx.Done():
			s.sub.Unsubscribe()
			return
		}
	}
}

// Done is closed once tracking has stopped. It is nil for states built by New.
func (s *PlayerState) Done() <-chan struct{} { return s.done }

// Stop ends tracking and waits for it to finish.
func (s *PlayerState) Stop() {
	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	<-s.done
}

// Apply folds one event into the state.
func (s *PlayerState) Apply(ev codec.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.TransportState
	switch ev.Name {
	case "start-file":
		s.TransportState = StateLoading
	case "file-loaded", "playback-restart":
		if s.TransportState == StateLoading || ev.Name == "file-loaded" {
			s.TransportState = s.running()
		}
	case "end-file", "idle":
		s.TransportState = StateIdle
	case "pause", "unpause":
		s.setPaused(ev.Name == "pause")
	case "property-change":
		s.applyProperty(ev)
	}
	s.LastEvent = ev.Name
	s.UpdatedAt = time.Now()

	if prev != s.TransportState {
		log.CtxDebug(s.ctx, "player transport state %s -> %s on %s", prev, s.TransportState, ev.Name)
	}
}

func (s *PlayerState) applyProperty(ev codec.Event) {
	raw, _ := ev.Field("name")
	name, ok := raw.AsString()
	if !ok {
		return
	}
	data, ok := ev.Field("data")
	if !ok {
		// property became unavailable
		delete(s.props, name)
		return
	}
	s.props[name] = data

	switch name {
	case "pause":
		if b, ok := data.AsBool(); ok {
			s.setPaused(b)
		}
	case "idle-active":
		if b, ok := data.AsBool(); ok && b {
			s.TransportState = StateIdle
		}
	}
}

func (s *PlayerState) setPaused(p bool) {
	s.Paused = p
	if s.TransportState == StatePlaying || s.TransportState == StatePaused {
		s.TransportState = s.running()
	}
}

func (s *PlayerState) running() TransportState {
	if s.Paused {
		return StatePaused
	}
	return StatePlaying
}

func (s *PlayerState) GetTransportState() TransportState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TransportState
}

// Property returns the last value seen for name.
func (s *PlayerState) Property(name string) (codec.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.props[name]
	return v, ok
}

// Properties returns a copy of every mirrored property.
func (s *PlayerState) Properties() map[string]codec.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.props)
}

func (s *PlayerState) GetVolume() (float64, bool) {
	v, ok := s.Property("volume")
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

func (s *PlayerState) GetMute() bool {
	v, _ := s.Property("mute")
	b, _ := v.AsBool()
	return b
}

func (s *PlayerState) GetPosition() (float64, bool) {
	v, ok := s.Property("time-pos")
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}
