// Package connector establishes transports to mpv: by dialing an existing
// IPC socket, by launching the player with a fresh socket path and waiting
// for it to come up, or by launching it on one end of a socket pair.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/transport"
)

const (
	DefaultPlayer       = "mpv"
	DefaultSocketFlag   = "--input-ipc-server="
	DefaultClientFlag   = "--input-ipc-client="
	DefaultSpawnTimeout = 5 * time.Second

	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = 250 * time.Millisecond
	dialAttemptTimeout    = time.Second

	sockNamePrefix = "mpvsock-ipc-"
)

// DefaultArgs keep a spawned mpv alive without media and off the terminal.
var DefaultArgs = []string{"--idle", "--no-terminal"}

var (
	// ErrSpawnTimeout means the player never exposed its socket in time.
	ErrSpawnTimeout = errors.New("timed out waiting for player ipc socket")
	// ErrPeerExited means the player exited before exposing its socket.
	ErrPeerExited = errors.New("player exited before exposing its ipc socket")
)

// Options describe how to launch the player.
type Options struct {
	// Player is the executable; DefaultPlayer when empty.
	Player string
	// Args precede the socket argument; DefaultArgs when nil.
	Args []string
	// SocketFlag is prepended to the socket path; DefaultSocketFlag when empty.
	SocketFlag string
	// ClientFlag is prepended to the fd:// argument of SpawnClient;
	// DefaultClientFlag when empty.
	ClientFlag string
	// SocketPath overrides the generated path.
	SocketPath string
	// SocketDir holds generated socket paths; os.TempDir() when empty.
	SocketDir string
	// Timeout bounds the wait for the socket; DefaultSpawnTimeout when zero.
	Timeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Env    []string
	Stdout io.Writer
	Stderr io.Writer

	DialOptions []transport.Option
}

// WithPlayer returns o launching the player described by preset: its
// executable, arguments and socket flags. Timeouts, paths and I/O stay.
func (o Options) WithPlayer(preset Options) Options {
	o.Player, o.Args = preset.Player, preset.Args
	o.SocketFlag, o.ClientFlag = preset.SocketFlag, preset.ClientFlag
	return o
}

func (o *Options) setDefaults() {
	if o.Player == "" {
		o.Player = DefaultPlayer
	}
	if o.Args == nil {
		o.Args = DefaultArgs
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultSpawnTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(defaultMaxBackoff, o.InitialBackoff)
	}
}

// SocketPath returns a fresh socket path in dir, unique per process and call.
func SocketPath(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	// unix socket paths are limited to ~104 bytes, keep the name short
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return filepath.Join(dir, fmt.Sprintf("%s%d-%s.sock", sockNamePrefix, os.Getpid(), id))
}

// Connect dials an existing mpv IPC socket.
func Connect(ctx context.Context, path string, opts ...transport.Option) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	log.CtxInfo(ctx, "connected to mpv ipc socket %s", path)
	return conn, nil
}

// Spawn launches the player with an IPC socket argument and polls the
// socket with bounded exponential backoff until it accepts a connection.
// If the player exits first Spawn fails with ErrPeerExited; if the timeout
// passes it terminates the player and fails with ErrSpawnTimeout.
func Spawn(ctx context.Context, opts Options) (*transport.Conn, *Process, error) {
	opts.setDefaults()
	if opts.SocketFlag == "" {
		opts.SocketFlag = DefaultSocketFlag
	}
	if opts.SocketPath == "" {
		opts.SocketPath = SocketPath(opts.SocketDir)
	}

	if err := removeStaleSocket(opts.SocketPath); err != nil {
		return nil, nil, err
	}

	args := append(append([]string{}, opts.Args...), opts.SocketFlag+opts.SocketPath)
	cmd := exec.Command(opts.Player, args...)
	cmd.Env = opts.Env
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	log.CtxDebug(ctx, "spawning player: %s %s", opts.Player, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", opts.Player, err)
	}
	proc := newProcess(cmd, opts.SocketPath)
	log.CtxInfo(ctx, "spawned %s pid=%d socket=%s", opts.Player, proc.Pid(), opts.SocketPath)

	conn, err := waitForSocket(ctx, proc, opts)
	if err != nil {
		if !errors.Is(err, ErrPeerExited) {
			_ = proc.Terminate()
		}
		proc.removeSocket()
		return nil, nil, err
	}
	return conn, proc, nil
}

func waitForSocket(ctx context.Context, proc *Process, opts Options) (*transport.Conn, error) {
	deadline := time.Now().Add(opts.Timeout)
	backoff := opts.InitialBackoff

	for attempt := 1; ; attempt++ {
		if proc.Exited() {
			return nil, fmt.Errorf("%w: %v", ErrPeerExited, proc.ExitErr())
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialAttemptTimeout)
		conn, err := transport.Dial(dialCtx, opts.SocketPath, opts.DialOptions...)
		cancel()
		if err == nil {
			log.CtxDebug(ctx, "player socket %s ready after %d attempts", opts.SocketPath, attempt)
			return conn, nil
		}
		if !notReady(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		log.CtxDebug(ctx, "player socket %s not ready (attempt %d): %v", opts.SocketPath, attempt, err)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %s", ErrSpawnTimeout, opts.SocketPath, opts.Timeout)
		}

		timer := time.NewTimer(min(backoff, remaining))
		select {
		case <-proc.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrPeerExited, proc.ExitErr())
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, opts.MaxBackoff)
	}
}

// notReady reports whether a dial error means the socket is not up yet.
func notReady(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED)
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("ipc socket path %s exists and is not a socket", path)
	}
	log.Info("removing existing socket at %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket file: %w", err)
	}
	return nil
}
