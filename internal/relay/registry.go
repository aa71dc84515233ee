package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport is the part of *websocket.Conn the hub writes through.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated agent connection.
type Conn struct {
	ID          string
	RemoteAddr  string
	Agent       string // self-reported name, informational only
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex // one writer at a time
	alive     atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // closed by shutdown
}

// NewConn wraps a transport with a fresh identity.
func NewConn(t Transport, remoteAddr, agent string) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		Agent:       agent,
		ConnectedAt: time.Now(),
		transport:   t,
		done:        make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Alive reports whether the connection has not been closed yet.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Send writes one text frame, bounded by timeout.
func (c *Conn) Send(data []byte, timeout time.Duration) error {
	if !c.Alive() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.transport.SetWriteDeadline(time.Now().Add(timeout))
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping control frame, bounded by timeout.
func (c *Conn) Ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// shutdown marks the connection dead and closes the transport, once. A
// non-zero code sends a close frame first.
// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
		if code != 0 {
			_ = c.transport.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		}
		_ = c.transport.Close()
	})
}

// Registry is the set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds c. Two connections from the same agent are independent members.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Unregister removes c and closes it. It is safe to call any number of times
// and reports whether this call removed the connection.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	existing, ok := r.conns[c.ID]
	removed := ok && existing == c
	if removed {
		delete(r.conns, c.ID)
	}
	r.mu.Unlock()

	c.shutdown(0, "")
	return removed
}

// Snapshot returns the current members. The slice is a copy and may be
// iterated while the registry changes.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// CloseAll sends a close frame with code to every member and empties the
// registry.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown(code, reason)
	}
	return len(conns)
}
