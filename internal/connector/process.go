package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tr1v3r/pkg/log"
)

// terminateGrace is how long Terminate waits after SIGTERM before killing.
const terminateGrace = 3 * time.Second

// Process is a player launched by Spawn.
type Process struct {
	cmd        *exec.Cmd
	socketPath string

	done    chan struct{}
	exitErr error

	removeOnce sync.Once
}

func newProcess(cmd *exec.Cmd, socketPath string) *Process {
	p := &Process{cmd: cmd, socketPath: socketPath, done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()
	return p
}

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// SocketPath returns the IPC socket path handed to the player, empty for a
// player started by SpawnClient.
func (p *Process) SocketPath() string { return p.socketPath }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the result of waiting on the process, nil while running.
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.exitErr
}

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate asks the process to exit, kills it if it is still running after
// a grace period, and removes its socket file.
func (p *Process) Terminate() error {
	defer p.removeSocket()

	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Error("signal player pid=%d fail: %v", p.Pid(), err)
		return p.Kill()
	}

	select {
	case <-p.done:
		log.Debug("player pid=%d exited: %v", p.Pid(), p.exitErr)
		return nil
	case <-time.After(terminateGrace):
		log.Info("player pid=%d still running after %s, killing", p.Pid(), terminateGrace)
		return p.Kill()
	}
}

// Kill stops the process immediately and waits for it to be reaped.
func (p *Process) Kill() error {
	defer p.removeSocket()

	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) removeSocket() {
	p.removeOnce.Do(func() {
		if p.socketPath == "" {
			return
		}
		if err := os.Remove(p.socketPath); err != nil && !os.IsNotExist(err) {
			log.Error("removing socket file %s fail: %v", p.socketPath, err)
		}
	})
}
