package player

import (
	"context"
	"fmt"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/connector"
	"github.com/tr1v3r/mpvsock/internal/session"
)

// SpawnIINA launches IINA through iina-cli and attaches to its embedded mpv.
func SpawnIINA(ctx context.Context, spawn connector.Options, opts ...session.Option) (*MPVPlayer, error) {
	iina, err := connector.IINA()
	if err != nil {
		return nil, fmt.Errorf("IINA not found: %w", err)
	}
	return spawnIINA(ctx, spawn.WithPlayer(iina), opts...)
}

func spawnIINA(ctx context.Context, spawn connector.Options, opts ...session.Option) (*MPVPlayer, error) {
	log.CtxDebug(ctx, "spawning IINA via %s", spawn.Player)
	p, err := Spawn(ctx, spawn, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start iina-cli: %w", err)
	}
	return p, nil
}
