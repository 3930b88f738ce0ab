package mpvtest

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/tr1v3r/mpvsock/internal/codec"
)

// Version is what the fake answers to get_version: mpv 2.3.
const Version = 2<<16 | 3

// Handler answers one command. A non-nil error becomes the response status.
type Handler func(p *Peer, req codec.Request) (any, error)

// Fake is a small in-memory mpv. It understands get_property, set_property,
// observe_property, unobserve_property, loadfile, stop, quit, get_version and
// client_name, and acknowledges anything else with success.
type Fake struct {
	mu        sync.Mutex
	props     map[string]codec.Value
	observers map[int64]string
	handlers  map[string]Handler
	received  [][]codec.Value
}

// NewFake returns a fake player sitting idle with default properties.
func NewFake() *Fake {
	f := &Fake{
		props:     make(map[string]codec.Value),
		observers: make(map[int64]string),
		handlers:  make(map[string]Handler),
	}
	f.props["pause"] = codec.Bool(false)
	f.props["volume"] = codec.Int(100)
	f.props["mute"] = codec.Bool(false)
	f.props["speed"] = codec.Float(1)
	f.props["idle-active"] = codec.Bool(true)
	return f
}

// Handle overrides the handling of one command name.
func (f *Fake) Handle(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// SetProperty changes a property without notifying observers.
func (f *Fake) SetProperty(name string, v codec.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[name] = v
}

// Property returns the current value of a property.
func (f *Fake) Property(name string) (codec.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[name]
	return v, ok
}

// Received returns every command seen so far, in arrival order.
func (f *Fake) Received() [][]codec.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]codec.Value, len(f.received))
	copy(out, f.received)
	return out
}

// Serve answers requests on p until the connection ends or quit is received.
func (f *Fake) Serve(p *Peer) error {
	for {
		req, err := p.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, codec.ErrProtocol) {
				_ = p.Send(codec.Response{Error: "invalid parameter"})
				continue
			}
			return err
		}
		if len(req.Command) == 0 {
			_ = p.ReplyError(req.RequestID, "invalid parameter")
			continue
		}

		name, _ := req.Command[0].AsString()
		f.mu.Lock()
		f.received = append(f.received, req.Command)
		h := f.handlers[name]
		f.mu.Unlock()
		if h == nil {
			h = f.builtin(name)
		}

		data, herr := h(p, req)
		if herr != nil {
			err = p.ReplyError(req.RequestID, herr.Error())
		} else {
			err = p.Reply(req.RequestID, data)
		}
		if err != nil {
			return err
		}

		f.after(p, name, req)
		if name == "quit" {
			return p.Close()
		}
	}
}

// ListenAndServe accepts connections on l and serves each one until l is
// closed.
func (f *Fake) ListenAndServe(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() { _ = f.Serve(NewPeer(conn)) }()
	}
}

var (
	errInvalidParameter    = errors.New("invalid parameter")
	errPropertyUnavailable = errors.New("property unavailable")
	errPropertyNotFound    = errors.New("property not found")
)

func (f *Fake) builtin(name string) Handler {
	switch name {
	case "get_property":
		return f.getProperty
	case "set_property":
		return f.setProperty
	case "observe_property":
		return f.observeProperty
	case "unobserve_property":
		return f.unobserveProperty
	case "get_version":
		return func(*Peer, codec.Request) (any, error) { return Version, nil }
	case "client_name":
		return func(*Peer, codec.Request) (any, error) { return "mpvsock", nil }
	}
	return func(*Peer, codec.Request) (any, error) { return nil, nil }
}

func (f *Fake) getProperty(_ *Peer, req codec.Request) (any, error) {
	if len(req.Command) != 2 {
		return nil, errInvalidParameter
	}
	name, _ := req.Command[1].AsString()
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[name]
	if !ok {
		return nil, errPropertyUnavailable
	}
	return v, nil
}

func (f *Fake) setProperty(_ *Peer, req codec.Request) (any, error) {
	if len(req.Command) != 3 {
		return nil, errInvalidParameter
	}
	name, ok := req.Command[1].AsString()
	if !ok {
		return nil, errPropertyNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[name] = req.Command[2]
	return nil, nil
}

func (f *Fake) observeProperty(_ *Peer, req codec.Request) (any, error) {
	if len(req.Command) != 3 {
		return nil, errInvalidParameter
	}
	id, ok := req.Command[1].AsInt()
	name, isStr := req.Command[2].AsString()
	if !ok || !isStr {
		return nil, errInvalidParameter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers[id] = name
	return nil, nil
}

func (f *Fake) unobserveProperty(_ *Peer, req codec.Request) (any, error) {
	if len(req.Command) != 2 {
		return nil, errInvalidParameter
	}
	id, _ := req.Command[1].AsInt()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.observers[id]; !ok {
		return nil, errInvalidParameter
	}
	delete(f.observers, id)
	return nil, nil
}

// after emits the events mpv would send once a command took effect.
func (f *Fake) after(p *Peer, name string, req codec.Request) {
	switch name {
	case "set_property":
		if len(req.Command) == 3 {
			prop, _ := req.Command[1].AsString()
			f.notify(p, prop)
		}
	case "observe_property":
		if len(req.Command) == 3 {
			id, _ := req.Command[1].AsInt()
			prop, _ := req.Command[2].AsString()
			f.mu.Lock()
			v := f.props[prop]
			f.mu.Unlock()
			_ = p.PropertyChange(id, prop, v)
		}
	case "loadfile":
		if len(req.Command) >= 2 {
			f.SetProperty("path", req.Command[1])
		}
		f.SetProperty("idle-active", codec.Bool(false))
		_ = p.SendEvent("start-file", map[string]any{"playlist_entry_id": 1})
		_ = p.SendEvent("file-loaded", nil)
		f.notify(p, "idle-active")
	case "stop":
		f.SetProperty("idle-active", codec.Bool(true))
		_ = p.SendEvent("end-file", map[string]any{"reason": "stop", "playlist_entry_id": 1})
		_ = p.SendEvent("idle", nil)
		f.notify(p, "idle-active")
	}
}

func (f *Fake) notify(p *Peer, prop string) {
	f.mu.Lock()
	v := f.props[prop]
	var ids []int64
	for id, name := range f.observers {
		if name == prop {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	for _, id := range ids {
		_ = p.PropertyChange(id, prop, v)
	}
}
