// Package statusserver implements the Live Status Server: a local,
// read-only HTTP+WebSocket view over the Session Store. Sessions are
// written by separate Supervisor processes rather than by goroutines in
// this one, so the broadcaster polls the store and diffs instead of
// relying on in-process pub/sub.
package statusserver

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/store"
	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient once MaxConnections is hit.
var ErrTooManyConnections = errors.New("too many WebSocket connections")

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster polls the Session Store for changes and fans them out to
// connected WebSocket clients as snapshot/delta frames.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	store    *store.Store
	seq      atomic.Uint64

	pollTicker     *time.Ticker
	snapshotTicker *time.Ticker
	stopCh         chan struct{}

	diffMu sync.Mutex
	prev   map[string]int64 // session id -> last broadcast updated_at
}

// NewBroadcaster constructs a Broadcaster over st, polling for row changes
// every pollInterval and emitting a full resync every snapshotInterval.
func NewBroadcaster(st *store.Store, pollInterval, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		store:          st,
		pollTicker:     time.NewTicker(pollInterval),
		snapshotTicker: time.NewTicker(snapshotInterval),
		stopCh:         make(chan struct{}),
		prev:           make(map[string]int64),
	}
	go b.pollLoop()
	go b.snapshotLoop()
	return b
}

// Stop halts both background tickers. Connected clients are left alone.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.pollTicker.Stop()
	b.snapshotTicker.Stop()
}

// AddClient registers conn, sends it an immediate snapshot, and returns the
// wrapped client for later removal.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	// Queue the snapshot before releasing the lock: broadcast copies its
	// client list under a read lock, so it cannot see this client until the
	// snapshot is already queued and no delta can slip in front of the
	// client's first frame.
	b.sendSnapshot(c)
	b.mu.Unlock()

	return c, nil
}

// RemoveClient unregisters and closes c.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) pollLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.pollTicker.C:
			b.pollOnce()
		}
	}
}

func (b *Broadcaster) pollOnce() {
	sessions, err := b.store.All()
	if err != nil {
		log.Printf("[statusserver] polling session store: %v", err)
		return
	}

	b.diffMu.Lock()
	var updated []*store.Session
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = true
		if last, ok := b.prev[sess.ID]; !ok || last != sess.UpdatedAt {
			updated = append(updated, sess)
		}
	}
	var removed []string
	for id := range b.prev {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	b.prev = make(map[string]int64, len(sessions))
	for _, sess := range sessions {
		b.prev[sess.ID] = sess.UpdatedAt
	}
	b.diffMu.Unlock()

	if len(updated) == 0 && len(removed) == 0 {
		return
	}
	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Updated: updated, Removed: removed}})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshotMessage())
		}
	}
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	sessions, err := b.store.All()
	if err != nil {
		log.Printf("[statusserver] building snapshot: %v", err)
		sessions = nil
	}
	return WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{Sessions: sessions}}
}

func (b *Broadcaster) sendSnapshot(c *client) {
	msg := b.snapshotMessage()
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[statusserver] marshaling snapshot: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[statusserver] marshaling broadcast: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[statusserver] client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}
