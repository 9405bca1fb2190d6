package providerhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// outboundQueueSize bounds the per-connection write queue.
const outboundQueueSize = 64

// HubEventKind enumerates what happened to a connection.
type HubEventKind string

const (
	HubEventFrame     HubEventKind = "frame"
	HubEventConnected HubEventKind = "connected"
	HubEventClosed    HubEventKind = "closed"
)

// HubEvent is one notification delivered from the Socket Hub to its single
// subscriber, the Provider Manager. The hub itself interprets none of these;
// it only moves bytes and reports what arrived.
type HubEvent struct {
	Kind   HubEventKind
	Conn   *Connection
	Frame  Frame
	Reason error
}

// Connection is one accepted socket connection, owned by the hub.
type Connection struct {
	ID string

	conn     net.Conn
	writer   *FrameWriter
	outbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Send enqueues frame for delivery on this connection's dedicated writer
// goroutine. Writes to one connection are serialized by that goroutine;
// writes to different connections proceed independently.
func (c *Connection) Send(frame Frame) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("providerhost: connection %s is closed", c.ID)
	}
}

func (c *Connection) closeConn() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// SocketHub binds a local domain socket, accepts connections, and fans their
// frames out as HubEvents. It holds no notion of "provider" — that mapping
// belongs entirely to the Provider Manager, which is the hub's one
// subscriber.
type SocketHub struct {
	path          string
	maxFrameBytes int
	logger        *slog.Logger

	listener net.Listener
	events   chan HubEvent

	mu      sync.Mutex
	conns   map[string]*Connection
	closed  bool
	nextID  atomic.Uint64
	wg      sync.WaitGroup
}

// NewSocketHub creates a hub bound to no socket yet; call Listen to bind.
func NewSocketHub(path string, maxFrameBytes int, logger *slog.Logger) *SocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHub{
		path:          path,
		maxFrameBytes: maxFrameBytes,
		logger:        logger,
		events:        make(chan HubEvent, 256),
		conns:         make(map[string]*Connection),
	}
}

// Listen unlinks any stale socket file at path and binds a fresh listener.
func (h *SocketHub) Listen() error {
	if _, err := os.Stat(h.path); err == nil {
		if err := os.Remove(h.path); err != nil {
			return fmt.Errorf("providerhost: removing stale socket %q: %w", h.path, err)
		}
	}
	listener, err := net.Listen("unix", h.path)
	if err != nil {
		return fmt.Errorf("providerhost: bind socket %q: %w", h.path, err)
	}
	h.listener = listener
	return nil
}

// Events returns the channel of HubEvents. There is exactly one intended
// subscriber (the Provider Manager); callers must drain it promptly.
func (h *SocketHub) Events() <-chan HubEvent {
	return h.events
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// It blocks; call it from a dedicated goroutine.
func (h *SocketHub) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = h.listener.Close()
	}()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		h.handleConn(conn)
	}
}

func (h *SocketHub) handleConn(netConn net.Conn) {
	id := fmt.Sprintf("conn-%d", h.nextID.Add(1))
	c := &Connection{
		ID:       id,
		conn:     netConn,
		writer:   NewFrameWriter(netConn, h.maxFrameBytes),
		outbound: make(chan Frame, outboundQueueSize),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = netConn.Close()
		return
	}
	h.conns[id] = c
	h.mu.Unlock()

	h.publish(HubEvent{Kind: HubEventConnected, Conn: c})

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *SocketHub) writeLoop(c *Connection) {
	defer h.wg.Done()
	for {
		select {
		case frame := <-c.outbound:
			if err := c.writer.Write(frame); err != nil {
				h.closeConnection(c, fmt.Errorf("write failed: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (h *SocketHub) readLoop(c *Connection) {
	defer h.wg.Done()
	reader := NewFrameReader(c.conn, h.maxFrameBytes)
	for {
		frame, err := reader.Next()
		if err != nil {
			h.closeConnection(c, err)
			return
		}
		h.publish(HubEvent{Kind: HubEventFrame, Conn: c, Frame: frame})
	}
}

func (h *SocketHub) closeConnection(c *Connection, reason error) {
	h.mu.Lock()
	_, known := h.conns[c.ID]
	delete(h.conns, c.ID)
	h.mu.Unlock()
	if !known {
		return
	}
	c.closeConn()
	h.publish(HubEvent{Kind: HubEventClosed, Conn: c, Reason: reason})
}

// CloseConnection closes conn with the given reason, emitting HubEventClosed.
// Used by the Provider Manager to enforce protocol rules the hub itself does
// not interpret (e.g. unregistered traffic, malformed registration).
func (h *SocketHub) CloseConnection(c *Connection, reason error) {
	h.closeConnection(c, reason)
}

func (h *SocketHub) publish(event HubEvent) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("hub event queue full, dropping event", slog.String("kind", string(event.Kind)))
	}
}

// Shutdown closes the listener, every open connection, and unlinks the
// socket file. Safe to call once.
func (h *SocketHub) Shutdown() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeConn()
	}
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	h.wg.Wait()
	if removeErr := os.Remove(h.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err == nil {
			err = removeErr
		}
	}
	return err
}
