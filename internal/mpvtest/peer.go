// Package mpvtest provides an in-process stand-in for the player side of an
// mpv JSON IPC connection.
package mpvtest

import (
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/transport"
)

// Peer is the player end of an IPC connection. It is safe for concurrent use
// by one reader and any number of writers.
type Peer struct {
	conn net.Conn
	r    *codec.LineReader

	wmu sync.Mutex
}

// NewPipe returns both ends of an in-memory connection. Both are closed
// when the test ends.
func NewPipe(tb testing.TB, opts ...transport.Option) (*transport.Conn, *Peer) {
	tb.Helper()

	client, server := net.Pipe()
	t := transport.New(client, opts...)
	p := NewPeer(server)
	tb.Cleanup(func() {
		_ = t.Close()
		_ = p.Close()
	})
	return t, p
}

// NewPeer wraps the player side of an established connection.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{conn: conn, r: codec.NewLineReader(conn, codec.DefaultMaxLineSize)}
}

// ReadRequest blocks for the next request line.
func (p *Peer) ReadRequest() (codec.Request, error) {
	line, err := p.r.ReadLine()
	if err != nil {
		return codec.Request{}, err
	}
	return codec.DecodeRequest(line)
}

// Reply answers request id with success and data.
func (p *Peer) Reply(id int64, data any) error {
	v, err := codec.ValueOf(data)
	if err != nil {
		return err
	}
	return p.Send(codec.Response{RequestID: id, Error: codec.StatusSuccess, Data: v})
}

// ReplyError answers request id with a failure status.
func (p *Peer) ReplyError(id int64, msg string) error {
	return p.Send(codec.Response{RequestID: id, Error: msg})
}

// SendEvent emits an event with the given extra fields.
func (p *Peer) SendEvent(name string, fields map[string]any) error {
	ev := codec.Event{Name: name, Fields: make(map[string]codec.Value, len(fields))}
	for k, raw := range fields {
		v, err := codec.ValueOf(raw)
		if err != nil {
			return err
		}
		ev.Fields[k] = v
	}
	return p.Send(ev)
}

// PropertyChange emits a property-change event for an observer id.
func (p *Peer) PropertyChange(id int64, name string, data any) error {
	return p.SendEvent("property-change", map[string]any{"id": id, "name": name, "data": data})
}

// Send writes one encoded message.
func (p *Peer) Send(msg json.Marshaler) error {
	line, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return p.write(line)
}

// SendRaw writes line verbatim, adding the newline if it is missing.
func (p *Peer) SendRaw(line string) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	return p.write([]byte(line))
}

func (p *Peer) write(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(line)
	return err
}

// Close hangs up, which the client sees as end of stream.
func (p *Peer) Close() error { return p.conn.Close() }
