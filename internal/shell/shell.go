// Package shell is an interactive prompt that sends mpv commands over a
// session and prints replies and, on request, events.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/readline"
	"github.com/tr1v3r/pkg/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/session"
)

const (
	prompt       = "mpv> "
	historyLimit = 1000
)

const helpText = `Enter an mpv command as words or as a JSON array:
  get_property volume
  set_property pause true
  ["loadfile", "/path/to/file name.mkv", "append-play"]
Words are sent as JSON when they parse as JSON and as strings otherwise.

  #events  toggle printing of player events
  #clear   clear the screen
  #help    show this help
  #quit    leave the shell
`

// Options configure a Shell.
type Options struct {
	// In is read line by line when set. Otherwise stdin is used, with line
	// editing when it is a terminal.
	In  io.Reader
	Out io.Writer

	HistoryPath    string
	RequestTimeout time.Duration
	// ShowEvents starts the shell with event printing on.
	ShowEvents bool
}

type lineSource interface {
	GetLine(prompt string) (string, error)
	Close()
}

// Shell reads commands and runs them on a session.
type Shell struct {
	s    *session.Session
	opts Options

	outMu      sync.Mutex
	showEvents atomic.Bool
}

func New(s *session.Session, opts Options) *Shell {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	sh := &Shell{s: s, opts: opts}
	sh.showEvents.Store(opts.ShowEvents)
	return sh
}

// Run serves the prompt until input ends, #quit is entered, ctx is done or
// the session closes.
func (sh *Shell) Run(ctx context.Context) error {
	src := sh.newLineSource()
	defer src.Close()

	sub := sh.s.Subscribe()
	var g errgroup.Group
	g.Go(func() error {
		for ev := range sub.Events() {
			if sh.showEvents.Load() {
				sh.printf("<< %s\n", eventLine(ev))
			}
		}
		return nil
	})

	err := sh.loop(ctx, src)
	sub.Unsubscribe()
	_ = g.Wait()
	return err
}

func (sh *Shell) loop(ctx context.Context, src lineSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if sh.s.State() == session.StateClosed {
			return sh.s.Err()
		}

		line, err := src.GetLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		quit, err := sh.exec(ctx, strings.TrimSpace(line))
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// exec runs one input line. It returns true when the shell should exit.
func (sh *Shell) exec(ctx context.Context, line string) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "#quit", "#exit":
		return true, nil
	case "#help":
		sh.printf("%s", helpText)
		return false, nil
	case "#clear":
		sh.printf("\033[H\033[2J")
		return false, nil
	case "#events":
		if on := !sh.showEvents.Load(); on {
			sh.showEvents.Store(true)
			sh.printf("event printing on\n")
		} else {
			sh.showEvents.Store(false)
			sh.printf("event printing off\n")
		}
		return false, nil
	}
	if strings.HasPrefix(line, "#") {
		sh.printf("unknown shell command %s, try #help\n", line)
		return false, nil
	}

	args, err := ParseLine(line)
	if err != nil {
		sh.printf("error: %v\n", err)
		return false, nil
	}

	if sh.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sh.opts.RequestTimeout)
		defer cancel()
	}
	data, err := sh.s.Command(ctx, args...)

	var cerr *session.CommandError
	switch {
	case err == nil:
		sh.printf("=> %s\n", data)
	case errors.As(err, &cerr):
		sh.printf("error: %s\n", cerr.Message)
	case errors.Is(err, session.ErrCanceled):
		sh.printf("error: %v\n", err)
	default:
		return false, err
	}
	return false, nil
}

// ParseLine turns an input line into command arguments. A line starting
// with '[' must be a JSON array; otherwise the line is split on whitespace
// and each word is taken as JSON when it parses and as a string otherwise.
func ParseLine(line string) ([]codec.Value, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.New("empty command")
	}

	if strings.HasPrefix(line, "[") {
		var v codec.Value
		if err := v.UnmarshalJSON([]byte(line)); err != nil {
			return nil, fmt.Errorf("invalid JSON command: %w", err)
		}
		args, ok := v.AsArray()
		if !ok || len(args) == 0 {
			return nil, errors.New("command must be a non-empty JSON array")
		}
		return args, nil
	}

	words := strings.Fields(line)
	args := make([]codec.Value, 0, len(words))
	for _, w := range words {
		args = append(args, ParseWord(w))
	}
	return args, nil
}

// ParseWord reads w as JSON, falling back to the plain string.
func ParseWord(w string) codec.Value {
	var v codec.Value
	if err := v.UnmarshalJSON([]byte(w)); err != nil {
		return codec.String(w)
	}
	return v
}

func eventLine(ev codec.Event) string {
	b, err := ev.MarshalJSON()
	if err != nil {
		return ev.Name
	}
	return string(b)
}

func (sh *Shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.opts.Out, format, args...)
}

func (sh *Shell) newLineSource() lineSource {
	if sh.opts.In != nil {
		return &scannerSource{scanner: bufio.NewScanner(sh.opts.In)}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &scannerSource{scanner: bufio.NewScanner(os.Stdin)}
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            sh.opts.HistoryPath,
		HistoryLimit:           historyLimit,
		DisableAutoSaveHistory: true,
		Prompt:                 prompt,
	})
	if err != nil {
		log.Error("readline init failed, using basic input: %v", err)
		return &scannerSource{scanner: bufio.NewScanner(os.Stdin)}
	}
	return &readlineSource{rl: rl}
}

type readlineSource struct {
	rl *readline.Instance
}

func (r *readlineSource) GetLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		r.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (r *readlineSource) Close() { r.rl.Close() }

// scannerSource reads plain lines without a prompt, for piped input.
type scannerSource struct {
	scanner *bufio.Scanner
}

func (s *scannerSource) GetLine(string) (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (s *scannerSource) Close() {}
