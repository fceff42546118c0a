package dashboard

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Entries queued per client before it is considered too slow and dropped.
	clientBuffer = 64
)

// The dashboard is served from the same origin as the API.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveFeed fans appended entries out to connected dashboard clients.
type liveFeed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	out  chan []byte
}

func newLiveFeed() *liveFeed {
	return &liveFeed{clients: make(map[*feedClient]struct{})}
}

// count returns the number of connected clients.
func (f *liveFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// add registers c; it reports false if the feed is already closed.
func (f *liveFeed) add(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	slog.Debug("dashboard client connected", "clients", len(f.clients))
	return true
}

// remove unregisters c and closes its queue. Safe to call twice.
func (f *liveFeed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(c)
}

func (f *liveFeed) removeLocked(c *feedClient) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.out)
	slog.Debug("dashboard client disconnected", "clients", len(f.clients))
}

// publish queues msg for every client without blocking. A client whose
// queue is full is disconnected; the feed is best-effort and the REST API
// remains the way to catch up.
func (f *liveFeed) publish(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.out <- msg:
		default:
			f.removeLocked(c)
		}
	}
}

// close disconnects every client and refuses new ones.
func (f *liveFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for c := range f.clients {
		f.removeLocked(c)
	}
}

// handleWebSocket upgrades the request and streams appended entries.
// GET /dashboard/ws
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{conn: conn, out: make(chan []byte, clientBuffer)}
	if !d.feed.add(c) {
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop(d.feed)
}

// writeLoop sends queued entries and keepalive pings until the queue is
// closed or a write fails.
func (c *feedClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and notices disconnects. Pongs extend
// the read deadline.
func (c *feedClient) readLoop(f *liveFeed) {
	defer func() {
		f.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
