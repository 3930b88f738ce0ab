package session

import (
	"context"

	"github.com/tr1v3r/mpvsock/internal/connector"
	"github.com/tr1v3r/mpvsock/internal/transport"
)

// Dial connects to an existing mpv IPC socket and opens a session on it.
func Dial(ctx context.Context, path string, opts ...Option) (*Session, error) {
	s := New(append([]Option{WithName(path)}, opts...)...)

	conn, err := connector.Connect(ctx, path, transport.WithMaxLineSize(s.opts.maxLineSize))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Open(conn); err != nil {
		return nil, err
	}
	return s, nil
}

// Spawn launches a player and opens a session on its IPC socket. The caller
// owns the returned process and should Terminate it after closing the session.
func Spawn(ctx context.Context, spawn connector.Options, opts ...Option) (*Session, *connector.Process, error) {
	if spawn.SocketPath == "" {
		spawn.SocketPath = connector.SocketPath(spawn.SocketDir)
	}
	s := New(append([]Option{WithName(spawn.SocketPath)}, opts...)...)
	spawn.DialOptions = append(spawn.DialOptions, transport.WithMaxLineSize(s.opts.maxLineSize))

	conn, proc, err := connector.Spawn(ctx, spawn)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	if err := s.Open(conn); err != nil {
		_ = proc.Terminate()
		return nil, nil, err
	}
	return s, proc, nil
}

// SpawnClient launches a player on one end of a socket pair and opens a
// session on the other end. The caller owns the returned process.
func SpawnClient(ctx context.Context, spawn connector.Options, opts ...Option) (*Session, *connector.Process, error) {
	s := New(append([]Option{WithName("socketpair")}, opts...)...)
	spawn.DialOptions = append(spawn.DialOptions, transport.WithMaxLineSize(s.opts.maxLineSize))

	conn, proc, err := connector.SpawnClient(ctx, spawn)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	if err := s.Open(conn); err != nil {
		_ = proc.Terminate()
		return nil, nil, err
	}
	return s, proc, nil
}
