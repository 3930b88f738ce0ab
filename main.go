package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/tr1v3r/pkg/log"
	"github.com/urfave/cli/v3"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/config"
	"github.com/tr1v3r/mpvsock/internal/monitoring"
	"github.com/tr1v3r/mpvsock/internal/player"
	"github.com/tr1v3r/mpvsock/internal/session"
	"github.com/tr1v3r/mpvsock/internal/shell"
	"github.com/tr1v3r/mpvsock/internal/state"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer log.Close()

	// 优雅退出
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("signal received, shutting down")
		cancel()
	}()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Error("%v", err)
		log.Close()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "mpvsock",
		Usage: "talk to mpv over its JSON IPC socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "connect", Aliases: []string{"c"}, Usage: "attach to the mpv IPC socket at `PATH`"},
			&cli.BoolFlag{Name: "spawn", Usage: "launch a new player even if a socket is configured"},
			&cli.BoolFlag{Name: "spawn-client", Usage: "launch a new player connected over an inherited socket pair instead of a socket file"},
			&cli.StringFlag{Name: "player", Usage: "player executable to launch"},
			&cli.BoolFlag{Name: "iina", Usage: "launch IINA through iina-cli"},
			&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for a launched player's socket"},
			&cli.StringFlag{Name: "config", Usage: "YAML configuration `FILE`"},
			&cli.BoolFlag{Name: "debug", Usage: "log every request, response and event"},
		},
		Commands: []*cli.Command{
			{
				Name:   "interactive",
				Usage:  "read commands from a prompt",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "events", Usage: "print events from the start"}},
				Action: withPlayer(runInteractive),
			},
			{
				Name:      "get",
				Usage:     "print a property",
				ArgsUsage: "PROPERTY",
				Action:    withPlayer(runGet),
			},
			{
				Name:      "set",
				Usage:     "set a property to a JSON value",
				ArgsUsage: "PROPERTY VALUE",
				Action:    withPlayer(runSet),
			},
			{
				Name:      "command",
				Usage:     "run a raw mpv command",
				ArgsUsage: "NAME [ARG...]",
				Action:    withPlayer(runCommand),
			},
			{
				Name:  "events",
				Usage: "print events as JSON lines",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "stop after `N` events (0 for no limit)"},
					&cli.StringSliceFlag{Name: "observe", Usage: "observe `PROPERTY` changes"},
				},
				Action: withPlayer(runEvents),
			},
			{
				Name:   "version",
				Usage:  "print the client API version of the player",
				Action: withPlayer(runVersion),
			},
			{
				Name:   "status",
				Usage:  "print playback status",
				Action: withPlayer(runStatus),
			},
		},
	}
}

type playerAction func(ctx context.Context, cmd *cli.Command, cfg config.Config, p *player.MPVPlayer) error

// withPlayer loads configuration, attaches to or launches the player, runs
// fn and releases the player afterwards.
func withPlayer(fn playerAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}

		p, err := openPlayer(ctx, cmd, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(context.Background()); err != nil {
				log.Error("close player: %v", err)
			}
			if cfg.Debug {
				monitoring.GetMetrics().LogMetrics()
			}
		}()

		return fn(ctx, cmd, cfg, p)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if v := cmd.String("connect"); v != "" {
		cfg.Socket = v
	}
	if v := cmd.String("player"); v != "" {
		cfg.Player = v
	}
	if cmd.Bool("iina") {
		cfg.IINA = true
	}
	if v := cmd.Duration("timeout"); v > 0 {
		cfg.SpawnTimeout = v
	}
	if cmd.Bool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

func openPlayer(ctx context.Context, cmd *cli.Command, cfg config.Config) (*player.MPVPlayer, error) {
	opts := []session.Option{
		session.WithRequestTimeout(cfg.RequestTimeout),
		session.WithMaxLineSize(cfg.MaxLineSize),
	}

	spawnClient := cmd.Bool("spawn-client")
	if cfg.Socket != "" && !cmd.Bool("spawn") && !spawnClient && !cmd.Bool("iina") {
		return player.Dial(ctx, cfg.Socket, opts...)
	}

	spawn, err := cfg.SpawnOptions()
	if err != nil {
		return nil, err
	}
	if spawnClient {
		if cfg.IINA {
			return nil, errors.New("--spawn-client cannot be used with IINA, iina-cli does not pass descriptors on")
		}
		p, err := player.SpawnClient(ctx, spawn, opts...)
		if err != nil {
			return nil, err
		}
		log.Info("player pid=%d connected over socket pair", p.Process().Pid())
		return p, nil
	}

	p, err := player.Spawn(ctx, spawn, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("player pid=%d listening on %s", p.Process().Pid(), p.Process().SocketPath())
	return p, nil
}

func runInteractive(ctx context.Context, cmd *cli.Command, cfg config.Config, p *player.MPVPlayer) error {
	sh := shell.New(p.Session(), shell.Options{
		HistoryPath:    cfg.HistoryPath,
		RequestTimeout: cfg.RequestTimeout,
		ShowEvents:     cmd.Bool("events"),
	})
	return sh.Run(ctx)
}

func runGet(ctx context.Context, cmd *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: get PROPERTY")
	}
	v, err := p.GetProperty(ctx, cmd.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runSet(ctx context.Context, cmd *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	if cmd.NArg() != 2 {
		return errors.New("usage: set PROPERTY VALUE")
	}
	return p.SetProperty(ctx, cmd.Args().Get(0), shell.ParseWord(cmd.Args().Get(1)))
}

func runCommand(ctx context.Context, cmd *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	if cmd.NArg() == 0 {
		return errors.New("usage: command NAME [ARG...]")
	}
	args := make([]codec.Value, 0, cmd.NArg())
	for _, a := range cmd.Args().Slice() {
		args = append(args, shell.ParseWord(a))
	}
	v, err := p.Session().Command(ctx, args...)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runEvents(ctx context.Context, cmd *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	limit := int(cmd.Int("count"))
	sub := p.Session().Subscribe()
	defer sub.Unsubscribe()

	st := state.Track(ctx, p.Session())
	defer st.Stop()

	for _, prop := range cmd.StringSlice("observe") {
		if _, err := p.ObserveProperty(ctx, prop); err != nil {
			return err
		}
	}

	err := printEvents(ctx, os.Stdout, sub, limit)

	fmt.Printf("# state %s", st.GetTransportState())
	props := st.Properties()
	for _, name := range slices.Sorted(maps.Keys(props)) {
		fmt.Printf(" %s=%s", name, props[name])
	}
	fmt.Println()

	if errors.Is(err, session.ErrConnectionLost) {
		log.Info("player went away: %v", err)
		return nil
	}
	return err
}

// printEvents writes events to w as JSON lines until limit is reached (no
// limit when limit <= 0), the stream ends or ctx is done.
func printEvents(ctx context.Context, w io.Writer, sub *session.Subscription, limit int) error {
	for n := 0; limit <= 0 || n < limit; n++ {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			b, err := ev.MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(b))
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func runVersion(ctx context.Context, _ *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	v, err := p.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("client api %s\n", v)
	if mpv, err := p.GetProperty(ctx, "mpv-version"); err == nil {
		if s, ok := mpv.AsString(); ok {
			fmt.Println(s)
		}
	}
	return nil
}

func runStatus(ctx context.Context, _ *cli.Command, _ config.Config, p *player.MPVPlayer) error {
	var lines []string
	for _, prop := range []string{"path", "media-title", "pause", "idle-active", "time-pos", "duration", "volume", "mute", "speed"} {
		v, err := p.GetProperty(ctx, prop)
		var cerr *session.CommandError
		switch {
		case errors.As(err, &cerr):
			continue
		case err != nil:
			return err
		}
		lines = append(lines, fmt.Sprintf("%-12s %s", prop, v))
	}
	fmt.Println(strings.Join(lines, "\n"))

	s := monitoring.GetMetrics().Snapshot()
	fmt.Printf("%-12s %d requests, %d events in %s\n", "session", s.RequestsTotal, s.EventsTotal, s.Uptime.Round(time.Millisecond))
	return nil
}
