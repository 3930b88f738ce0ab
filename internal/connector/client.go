package connector

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/mpvsock/internal/transport"
)

// childIPCFd is the descriptor the first entry of exec.Cmd.ExtraFiles gets.
const childIPCFd = 3

// SpawnClient launches the player with one end of a unix socket pair as its
// IPC channel, passed as --input-ipc-client=fd://3, and returns a transport
// on the other end. No socket file is created and there is nothing to wait
// for: the channel is usable as soon as the player starts. If the player
// exits early the transport reads EOF.
func SpawnClient(ctx context.Context, opts Options) (*transport.Conn, *Process, error) {
	opts.setDefaults()
	if opts.ClientFlag == "" {
		opts.ClientFlag = DefaultClientFlag
	}

	parent, child, err := socketPair()
	if err != nil {
		return nil, nil, err
	}
	defer parent.Close()

	args := append(append([]string{}, opts.Args...), fmt.Sprintf("%sfd://%d", opts.ClientFlag, childIPCFd))
	cmd := exec.Command(opts.Player, args...)
	cmd.Env = opts.Env
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.ExtraFiles = []*os.File{child}

	log.CtxDebug(ctx, "spawning player: %s %s", opts.Player, strings.Join(args, " "))
	err = cmd.Start()
	// the child holds its own copy now
	_ = child.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", opts.Player, err)
	}
	proc := newProcess(cmd, "")
	log.CtxInfo(ctx, "spawned %s pid=%d on fd://%d", opts.Player, proc.Pid(), childIPCFd)

	c, err := net.FileConn(parent)
	if err != nil {
		_ = proc.Terminate()
		return nil, nil, fmt.Errorf("wrapping ipc socket: %w", err)
	}
	return transport.New(c, opts.DialOptions...), proc, nil
}

// socketPair returns both ends of a connected unix stream socket pair, each
// marked close-on-exec so only descriptors passed explicitly are inherited.
func socketPair() (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err == nil {
		syscall.CloseOnExec(fds[0])
		syscall.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("creating ipc socket pair: %w", os.NewSyscallError("socketpair", err))
	}
	return os.NewFile(uintptr(fds[0]), "mpv-ipc"), os.NewFile(uintptr(fds[1]), "mpv-ipc-child"), nil
}
