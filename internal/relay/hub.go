package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/keyrelay/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Agents only send a short greeting.
	maxMessageSize = 4 * 1024

	defaultWriteTimeout = 5 * time.Second
)

// Hub fans commands out to every registered connection.
type Hub struct {
	log          zerolog.Logger
	registry     *Registry
	writeTimeout time.Duration
}

// NewHub creates a hub over registry. A non-positive writeTimeout uses the
// default of 5s.
func NewHub(log zerolog.Logger, registry *Registry, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		log:          log.With().Str("component", "hub").Logger(),
		registry:     registry,
		writeTimeout: writeTimeout,
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcast sends cmd to every connection registered at the time of the call
// and returns how many accepted it. Sends run in parallel, each bounded by the
// write timeout. A connection whose send fails for any reason is unregistered
// before Broadcast returns. Only an encoding problem is reported as an error,
// in which case nothing is sent.
func (h *Hub) Broadcast(cmd protocol.Command) (int, error) {
	data, err := cmd.Encode()
	if err != nil {
		return 0, err
	}

	targets := h.registry.Snapshot()
	if len(targets) == 0 {
		return 0, nil
	}

	var (
		wg   sync.WaitGroup
		sent atomic.Int64
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Send(data, h.writeTimeout); err != nil {
				h.log.Debug().Err(err).Str("conn", c.ID).Msg("send failed, dropping connection")
				h.registry.Unregister(c)
				return
			}
			sent.Add(1)
		}(c)
	}
	wg.Wait()

	n := int(sent.Load())
	h.log.Debug().
		Str("key", cmd.Key).
		Int("targets", len(targets)).
		Int("sent_to", n).
		Msg("broadcast")
	return n, nil
}

// Attach registers an upgraded connection and starts its read pump and ping
// loop. The connection stays registered until either fails.
func (h *Hub) Attach(ws *websocket.Conn, agent string) *Conn {
	c := NewConn(ws, ws.RemoteAddr().String(), agent)
	h.registry.Register(c)

	h.log.Info().
		Str("conn", c.ID).
		Str("remote", c.RemoteAddr).
		Str("agent", agent).
		Int("connections", h.registry.Len()).
		Msg("agent connected")

	go h.pingLoop(c)
	go h.readPump(ws, c)
	return c
}

// readPump discards inbound frames and unregisters c when the peer goes away.
func (h *Hub) readPump(ws *websocket.Conn, c *Conn) {
	defer func() {
		if h.registry.Unregister(c) {
			h.log.Info().
				Str("conn", c.ID).
				Str("agent", c.Agent).
				Int("connections", h.registry.Len()).
				Msg("agent disconnected")
		}
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(h.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn", c.ID).Msg("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		h.log.Debug().Str("conn", c.ID).Str("payload", string(data)).Msg("inbound frame ignored")
	}
}

func (h *Hub) pingLoop(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.Ping(h.writeTimeout); err != nil {
				h.log.Debug().Err(err).Str("conn", c.ID).Msg("ping failed")
				h.registry.Unregister(c)
				return
			}
		}
	}
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	if n := h.registry.CloseAll(websocket.CloseGoingAway, "hub shutting down"); n > 0 {
		h.log.Info().Int("connections", n).Msg("closed agent connections")
	}
}
