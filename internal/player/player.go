package player

import (
	"context"
	"fmt"

	"github.com/tr1v3r/mpvsock/internal/codec"
)

// Player is the typed command set of a media player reachable over IPC.
type Player interface {
	Play(ctx context.Context, uri string, volume int) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	StopPlayback(ctx context.Context, keepPlaylist bool) error
	SetVolume(ctx context.Context, v int) error
	SetMute(ctx context.Context, m bool) error
	SetFullscreen(ctx context.Context, f bool) error
	SetTitle(ctx context.Context, title string) error
	Screenshot(ctx context.Context, path string) error
	SetSpeed(ctx context.Context, speed float64) error
	Seek(ctx context.Context, seconds float64) error
	GetPosition(ctx context.Context) (float64, error)
	GetDuration(ctx context.Context) (float64, error)
	GetVersion(ctx context.Context) (Version, error)

	GetProperty(ctx context.Context, name string) (codec.Value, error)
	SetProperty(ctx context.Context, name string, value any) error
	ObserveProperty(ctx context.Context, name string) (int64, error)
	UnobserveProperty(ctx context.Context, id int64) error
}

// Version is the client API version reported by get_version.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }
