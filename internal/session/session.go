// Package session multiplexes concurrent mpv commands and asynchronous
// events over a single JSON IPC connection.
//
// A Session owns one transport and runs one goroutine that reads it. Each
// inbound line is either a response, matched to its waiting request by
// request_id regardless of arrival order, or an event, fanned out to every
// Subscription in registration order. Lines that do not decode are logged and
// dropped; only a transport failure ends the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tr1v3r/pkg/log"
	"golang.org/x/time/rate"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/monitoring"
	"github.com/tr1v3r/mpvsock/internal/transport"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type options struct {
	name           string
	metrics        *monitoring.Metrics
	requestTimeout time.Duration
	maxLineSize    int
	diagEvery      time.Duration
	diagBurst      int
}

// Option configures a Session.
type Option func(*options)

// WithName labels the session in log lines, usually with the socket path.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMetrics records counters into m instead of the global instance.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRequestTimeout bounds Command calls whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithMaxLineSize bounds inbound lines on transports opened by Dial and Spawn.
func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLineSize = n }
}

// WithDiagnosticsLimit rate limits the log lines emitted for dropped input.
func WithDiagnosticsLimit(every time.Duration, burst int) Option {
	return func(o *options) { o.diagEvery, o.diagBurst = every, burst }
}

// Session is one live conversation with the player.
type Session struct {
	opts options

	mu      sync.Mutex
	state   State
	t       transport.Transport
	pending map[int64]*Pending
	lastID  int64
	cause   error
	started bool

	subs registry

	done     chan struct{}
	loopDone chan struct{}

	diag       *rate.Limiter
	suppressed atomic.Int64
}

// New returns a session in the connecting state.
func New(opts ...Option) *Session {
	o := options{
		maxLineSize: codec.DefaultMaxLineSize,
		diagEvery:   time.Second,
		diagBurst:   5,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = monitoring.GetMetrics()
	}
	return &Session{
		opts:     o,
		pending:  make(map[int64]*Pending),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		diag:     rate.NewLimiter(rate.Every(o.diagEvery), o.diagBurst),
	}
}

// Open hands t to the session and starts the dispatch loop. The session
// owns t afterwards, even when Open fails.
func (s *Session) Open(t transport.Transport) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		_ = t.Close()
		if state == StateClosed {
			return ErrSessionClosed
		}
		return fmt.Errorf("open mpv ipc session: already %s", state)
	}
	s.t = t
	s.state = StateOpen
	s.started = true
	s.mu.Unlock()

	s.opts.metrics.RecordSessionOpened()
	log.Info("mpv ipc session %s open", s.opts.name)

	go s.readLoop()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is not closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Submit sends a command and returns its handle without waiting for the
// reply. It fails with ErrSessionClosed unless the session is open.
func (s *Session) Submit(args ...codec.Value) (*Pending, error) {
	return s.submit(codec.Request{Command: args})
}

// SubmitAsync is Submit with mpv's async flag set on the request.
func (s *Session) SubmitAsync(args ...codec.Value) (*Pending, error) {
	return s.submit(codec.Request{Command: args, Async: true})
}

// Command submits a command and waits for its result.
func (s *Session) Command(ctx context.Context, args ...codec.Value) (codec.Value, error) {
	if s.opts.requestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.requestTimeout)
			defer cancel()
		}
	}

	p, err := s.Submit(args...)
	if err != nil {
		return codec.Null(), err
	}
	return p.Wait(ctx)
}

// Subscribe registers a new event subscriber. On a closed session the
// returned subscription has already ended.
func (s *Session) Subscribe() *Subscription { return s.subs.subscribe() }

// Close closes the transport, resolves every pending request with
// ErrConnectionClosed and ends every subscription. It waits for the dispatch
// loop to exit and is safe to call more than once.
func (s *Session) Close() error {
	_, err := s.shutdown(ErrConnectionClosed)

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}
	return err
}

func (s *Session) submit(req codec.Request) (*Pending, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("mpv ipc command is empty")
	}
	name := commandName(req.Command)

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	req.RequestID = s.nextID()
	p := newPending(s, req.RequestID, name)
	s.pending[req.RequestID] = p
	t := s.t
	s.mu.Unlock()

	line, err := codec.Encode(req)
	if err != nil {
		s.claim(p)
		return nil, err
	}

	s.opts.metrics.RecordRequest(name)
	log.Debug("mpv ipc %s >> %s", s.opts.name, line[:len(line)-1])

	if err := t.WriteLine(line); err != nil {
		if !s.claim(p) {
			// Close got there first and already resolved p.
			return p, nil
		}
		s.fail(err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return p, nil
}

// nextID returns the next free request id. Caller must hold mu.
func (s *Session) nextID() int64 {
	for {
		s.lastID++
		if s.lastID <= 0 {
			s.lastID = 1
		}
		if _, busy := s.pending[s.lastID]; !busy {
			return s.lastID
		}
	}
}

// claim removes p from the pending table. Only the caller that gets true
// may resolve p.
func (s *Session) claim(p *Pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[p.id]; ok && cur == p {
		delete(s.pending, p.id)
		return true
	}
	return false
}

func (s *Session) readLoop() {
	defer close(s.loopDone)

	for {
		line, err := s.t.ReadLine()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				s.drop(nil, err)
				continue
			}
			s.fail(err)
			return
		}

		msg, err := codec.Decode(line)
		if err != nil {
			s.drop(line, err)
			continue
		}

		switch m := msg.(type) {
		case codec.Response:
			s.deliver(m)
		case codec.Event:
			s.opts.metrics.RecordEvent()
			log.Debug("mpv ipc %s << event %s", s.opts.name, m.Name)
			s.subs.publish(m)
		}
	}
}

func (s *Session) deliver(resp codec.Response) {
	s.mu.Lock()
	p, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		s.opts.metrics.RecordUnmatchedResponse()
		s.diagf("dropping response for unknown request_id=%d error=%s", resp.RequestID, resp.Error)
		return
	}

	s.opts.metrics.RecordResponse(resp.OK())
	log.Debug("mpv ipc %s << request_id=%d error=%s data=%s", s.opts.name, resp.RequestID, resp.Error, resp.Data)
	p.resolve(resp, nil)
}

func (s *Session) drop(line []byte, err error) {
	s.opts.metrics.RecordDroppedLine()
	if line == nil {
		s.diagf("dropping inbound line: %v", err)
		return
	}
	s.diagf("dropping inbound line %.128q: %v", line, err)
}

func (s *Session) diagf(format string, args ...any) {
	if !s.diag.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		args = append(args, n)
	}
	log.Info("mpv ipc "+s.opts.name+": "+format, args...)
}

// fail tears the session down after a transport error.
func (s *Session) fail(err error) {
	cause := fmt.Errorf("%w: %w", ErrConnectionLost, err)
	if err == io.EOF {
		cause = fmt.Errorf("%w: peer closed the connection", ErrConnectionLost)
	}
	if closed, _ := s.shutdown(cause); closed {
		s.opts.metrics.RecordSessionLost()
		log.Error("mpv ipc session %s lost: %v", s.opts.name, err)
	}
}

func (s *Session) shutdown(cause error) (bool, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateClosed
	s.cause = cause
	pending := s.pending
	s.pending = make(map[int64]*Pending)
	t := s.t
	s.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	for _, p := range pending {
		p.resolve(codec.Response{RequestID: p.id}, cause)
	}
	s.subs.end(cause)
	close(s.done)

	log.Info("mpv ipc session %s closed: %v (%d pending requests resolved)", s.opts.name, cause, len(pending))
	return true, err
}

func commandName(args []codec.Value) string {
	if name, ok := args[0].AsString(); ok {
		return name
	}
	return args[0].String()
}
