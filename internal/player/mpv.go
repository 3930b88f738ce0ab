package player

// docs: https://mpv.io/manual/stable/#json-ipc
// https://mpv.io/manual/stable/#properties

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/connector"
	"github.com/tr1v3r/mpvsock/internal/session"
)

var _ Player = (*MPVPlayer)(nil)

// MPVPlayer drives mpv through a Session. When it launched the player it
// also owns the process.
type MPVPlayer struct {
	s    *session.Session
	proc *connector.Process

	observeID atomic.Int64
}

// NewMPVPlayer wraps an open session. proc may be nil for an attached player.
func NewMPVPlayer(s *session.Session, proc *connector.Process) *MPVPlayer {
	return &MPVPlayer{s: s, proc: proc}
}

// Dial attaches to a player already listening on path.
func Dial(ctx context.Context, path string, opts ...session.Option) (*MPVPlayer, error) {
	s, err := session.Dial(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	return NewMPVPlayer(s, nil), nil
}

// Spawn launches a player and attaches to it.
func Spawn(ctx context.Context, spawn connector.Options, opts ...session.Option) (*MPVPlayer, error) {
	s, proc, err := session.Spawn(ctx, spawn, opts...)
	if err != nil {
		return nil, err
	}
	return NewMPVPlayer(s, proc), nil
}

// SpawnClient launches a player connected over an inherited socket pair.
func SpawnClient(ctx context.Context, spawn connector.Options, opts ...session.Option) (*MPVPlayer, error) {
	s, proc, err := session.SpawnClient(ctx, spawn, opts...)
	if err != nil {
		return nil, err
	}
	return NewMPVPlayer(s, proc), nil
}

// Session returns the underlying session.
func (p *MPVPlayer) Session() *session.Session { return p.s }

// Process returns the spawned player, or nil when attached to an existing one.
func (p *MPVPlayer) Process() *connector.Process { return p.proc }

// Close ends the session and terminates a spawned player without asking it
// to quit first.
func (p *MPVPlayer) Close(_ context.Context) error {
	closeErr := p.s.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("closing mpv ipc session fail: %w", closeErr)
	}
	if p.proc != nil {
		if err := p.proc.Terminate(); err != nil {
			if closeErr != nil {
				return fmt.Errorf("multiple errors: %w, terminating process: %v", closeErr, err)
			}
			return fmt.Errorf("terminating process: %w", err)
		}
	}
	return closeErr
}

func (p *MPVPlayer) Play(ctx context.Context, uri string, volume int) error {
	log.CtxDebug(ctx, "MPVPlayer Play: uri=%s volume=%d", uri, volume)
	if _, err := p.command(ctx, "loadfile", uri, "replace"); err != nil {
		return fmt.Errorf("calling mpv loadfile failed: %w", err)
	}
	if err := p.SetVolume(ctx, volume); err != nil {
		return err
	}
	return p.Resume(ctx)
}

func (p *MPVPlayer) Pause(ctx context.Context) error {
	if err := p.SetProperty(ctx, "pause", true); err != nil {
		return fmt.Errorf("calling mpv pause failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) Resume(ctx context.Context) error {
	if err := p.SetProperty(ctx, "pause", false); err != nil {
		return fmt.Errorf("calling mpv resume failed: %w", err)
	}
	return nil
}

// Stop asks the player to quit, then closes the session and reaps a spawned
// process.
func (p *MPVPlayer) Stop(ctx context.Context) error {
	var stopErr error
	if _, err := p.command(ctx, "quit"); err != nil && !isHangup(err) {
		stopErr = fmt.Errorf("calling mpv quit failed: %w", err)
	}
	if err := p.Close(ctx); err != nil {
		if stopErr != nil {
			return fmt.Errorf("multiple errors: %w, closing player: %v", stopErr, err)
		}
		return err
	}
	return stopErr
}

// StopPlayback stops the current file and leaves the player idle.
func (p *MPVPlayer) StopPlayback(ctx context.Context, keepPlaylist bool) error {
	args := []any{"stop"}
	if keepPlaylist {
		args = append(args, "keep-playlist")
	}
	if _, err := p.command(ctx, args...); err != nil {
		return fmt.Errorf("calling mpv stop failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) SetVolume(ctx context.Context, v int) error {
	if err := p.SetProperty(ctx, "volume", v); err != nil {
		return fmt.Errorf("calling mpv set volume failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) SetMute(ctx context.Context, m bool) error {
	if err := p.SetProperty(ctx, "mute", m); err != nil {
		return fmt.Errorf("calling mpv set mute failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) SetFullscreen(ctx context.Context, f bool) error {
	if err := p.SetProperty(ctx, "fullscreen", f); err != nil {
		return fmt.Errorf("calling mpv set fullscreen failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) SetTitle(ctx context.Context, title string) error {
	if err := p.SetProperty(ctx, "title", title); err != nil {
		return fmt.Errorf("calling mpv set title failed: %w", err)
	}
	return nil
}

// Screenshot saves a screenshot to path, or to mpv's screenshot directory
// when path is empty.
func (p *MPVPlayer) Screenshot(ctx context.Context, path string) error {
	args := []any{"screenshot"}
	if path != "" {
		args = []any{"screenshot-to-file", path}
	}
	if _, err := p.command(ctx, args...); err != nil {
		return fmt.Errorf("calling mpv screenshot failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) SetSpeed(ctx context.Context, speed float64) error {
	if err := p.SetProperty(ctx, "speed", speed); err != nil {
		return fmt.Errorf("calling mpv set speed failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) Seek(ctx context.Context, seconds float64) error {
	if _, err := p.command(ctx, "seek", seconds, "absolute"); err != nil {
		return fmt.Errorf("calling mpv seek failed: %w", err)
	}
	return nil
}

func (p *MPVPlayer) GetPosition(ctx context.Context) (float64, error) {
	return p.floatProperty(ctx, "time-pos")
}

func (p *MPVPlayer) GetDuration(ctx context.Context) (float64, error) {
	return p.floatProperty(ctx, "duration")
}

func (p *MPVPlayer) GetVersion(ctx context.Context) (Version, error) {
	val, err := p.command(ctx, "get_version")
	if err != nil {
		return Version{}, fmt.Errorf("calling mpv get_version failed: %w", err)
	}
	v, ok := val.AsInt()
	if !ok {
		return Version{}, fmt.Errorf("unexpected type for version: %s", val.Kind())
	}
	return Version{Major: int(v >> 16), Minor: int(v & 0xffff)}, nil
}

func (p *MPVPlayer) GetProperty(ctx context.Context, name string) (codec.Value, error) {
	return p.command(ctx, "get_property", name)
}

func (p *MPVPlayer) SetProperty(ctx context.Context, name string, value any) error {
	_, err := p.command(ctx, "set_property", name, value)
	return err
}

// ObserveProperty asks for property-change events about name and returns
// the observer id they will carry.
func (p *MPVPlayer) ObserveProperty(ctx context.Context, name string) (int64, error) {
	id := p.observeID.Add(1)
	if _, err := p.command(ctx, "observe_property", id, name); err != nil {
		return 0, fmt.Errorf("calling mpv observe_property %s failed: %w", name, err)
	}
	return id, nil
}

func (p *MPVPlayer) UnobserveProperty(ctx context.Context, id int64) error {
	if _, err := p.command(ctx, "unobserve_property", id); err != nil {
		return fmt.Errorf("calling mpv unobserve_property %d failed: %w", id, err)
	}
	return nil
}

func (p *MPVPlayer) floatProperty(ctx context.Context, name string) (float64, error) {
	val, err := p.GetProperty(ctx, name)
	if err != nil {
		return 0, err
	}
	if v, ok := val.AsFloat(); ok {
		return v, nil
	}
	return 0, fmt.Errorf("unexpected type for %s: %s", name, val.Kind())
}

func (p *MPVPlayer) command(ctx context.Context, args ...any) (codec.Value, error) {
	cmd, err := codec.Values(args...)
	if err != nil {
		return codec.Null(), err
	}
	return p.s.Command(ctx, cmd...)
}

// isHangup reports whether err is the player closing the connection, which
// is what quit does.
func isHangup(err error) bool {
	return errors.Is(err, session.ErrConnectionLost) || errors.Is(err, session.ErrConnectionClosed)
}
