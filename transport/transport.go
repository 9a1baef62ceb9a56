/*
Package transport moves frames between nodes over persistent TCP streams.

Each peer connection is reused for any number of frames in either direction:
outbound dials are pooled by dial address, and every connection (dialed or
accepted) runs a read loop that feeds decoded frames into a single inbound
channel for the owner to drain. Connections idle past their timeout are torn
down and silently re-dialed on the next send.
*/
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/p2pweave/weave/protocol"
	"github.com/rs/zerolog"
)

//#region errors

var (
	ErrClosed = errors.New("transport is closed")
)

//#endregion errors

const (
	defaultDialTimeout   = 3 * time.Second
	defaultWriteTimeout  = 3 * time.Second
	defaultIdleTimeout   = 2 * time.Minute
	defaultInboundBuffer = 256
)

// An Option mutates transport configuration at construction.
type Option func(*Transport)

// WithDialTimeout bounds outbound connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// WithIdleTimeout sets how long a quiet connection is kept before teardown.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Transport) { t.idleTimeout = d }
}

// WithInboundBuffer sets the capacity of the inbound frame channel.
func WithInboundBuffer(n int) Option {
	return func(t *Transport) { t.inboundBuffer = n }
}

// Transport owns the listener and the outbound connection pool.
type Transport struct {
	log      zerolog.Logger
	listener net.Listener
	inbound  chan *protocol.Frame

	dialTimeout   time.Duration
	writeTimeout  time.Duration
	idleTimeout   time.Duration
	inboundBuffer int

	mu     sync.Mutex
	pool   map[string]net.Conn
	closed bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New binds a listener on the given address and starts accepting. bind may
// use port 0 to let the OS pick; Addr reports the bound address.
func New(bind string, log zerolog.Logger, opts ...Option) (*Transport, error) {
	t := &Transport{
		log:           log.With().Str("component", "transport").Logger(),
		dialTimeout:   defaultDialTimeout,
		writeTimeout:  defaultWriteTimeout,
		idleTimeout:   defaultIdleTimeout,
		inboundBuffer: defaultInboundBuffer,
		pool:          make(map[string]net.Conn),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.inbound = make(chan *protocol.Frame, t.inboundBuffer)

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}
	t.listener = ln
	t.log = t.log.With().Str("listen", ln.Addr().String()).Logger()

	t.wg.Add(1)
	go t.accept()
	return t, nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// Inbound returns the channel of frames decoded off every connection.
func (t *Transport) Inbound() <-chan *protocol.Frame {
	return t.inbound
}

// Send delivers one frame to the given dial address, reusing a pooled
// connection when one exists. No retries: a failed send tears down the
// connection and surfaces the error so the caller can judge the peer.
func (t *Transport) Send(addr string, f *protocol.Frame) error {
	raw, err := f.Serialize()
	if err != nil {
		return err
	}
	conn, err := t.conn(addr)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := conn.Write(raw); err != nil {
		t.drop(addr, conn)
		return err
	}
	return nil
}

// Close tears down the listener and every connection. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	err := t.listener.Close()
	for addr, c := range t.pool {
		c.Close()
		delete(t.pool, addr)
	}
	t.mu.Unlock()

	t.wg.Wait()
	close(t.inbound)
	return err
}

// conn returns a pooled connection to addr, dialing if necessary.
func (t *Transport) conn(addr string) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := t.pool[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	if existing, ok := t.pool[addr]; ok {
		// lost the dial race; use the winner
		t.mu.Unlock()
		c.Close()
		return existing, nil
	}
	t.pool[addr] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(addr, c)
	return c, nil
}

// drop removes a connection from the pool and closes it, but only if it is
// still the pooled connection for that address.
func (t *Transport) drop(addr string, c net.Conn) {
	t.mu.Lock()
	if t.pool[addr] == c {
		delete(t.pool, addr)
	}
	t.mu.Unlock()
	c.Close()
}

func (t *Transport) accept() {
	defer t.wg.Done()
	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Warn().Err(err).Msg("accept failed")
			return
		}
		t.wg.Add(1)
		go t.readLoop("", c)
	}
}

// readLoop decodes frames off one connection until error, idle timeout, or
// shutdown. addr is empty for accepted connections (they are not pooled for
// sending; replies go through the normal dial path).
func (t *Transport) readLoop(addr string, c net.Conn) {
	defer t.wg.Done()
	defer func() {
		if addr != "" {
			t.drop(addr, c)
		} else {
			c.Close()
		}
	}()
	for {
		c.SetReadDeadline(time.Now().Add(t.idleTimeout))
		f, err := protocol.Read(c)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("connection closed")
			}
			return
		}
		select {
		case t.inbound <- f:
		case <-t.done:
			return
		}
	}
}
