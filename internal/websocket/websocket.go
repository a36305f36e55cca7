package websocket

import (
	"context"
	"dft-job-queue/internal/events"
	"dft-job-queue/internal/models"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// updates buffered per connection before new ones are dropped
	sendBuffer = 16
)

// JobLister is the part of the job store the manager reads snapshots from
type JobLister interface {
	ListJobsByUser(ctx context.Context, userID, status string, limit int) ([]models.Job, error)
}

// Update is the message pushed to a connected user
type Update struct {
	Event *events.Event `json:"event,omitempty"`
	Jobs  []models.Job  `json:"jobs"`
}

type client struct {
	conn   *websocket.Conn
	userID string
	out    chan Update
	done   chan struct{}
}

func newClient(conn *websocket.Conn, userID string) *client {
	return &client{
		conn:   conn,
		userID: userID,
		out:    make(chan Update, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue hands u to the writer without blocking; a full buffer drops it
func (c *client) enqueue(u Update) bool {
	select {
	case c.out <- u:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer on the connection
func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case u := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(u); err != nil {
				log.Printf("[ERROR] Failed to send WebSocket update to UserID=%s: %v", c.userID, err)
				c.conn.Close()
				return
			}
		}
	}
}

// Manager tracks live connections per user and pushes job updates
type Manager struct {
	clients   map[*client]bool
	clientsMu sync.Mutex
	jobs      JobLister
}

// New creates a new WebSocket manager
func New(jobs JobLister) *Manager {
	return &Manager{
		clients: make(map[*client]bool),
		jobs:    jobs,
	}
}

// AddClient registers conn for userID, sends the current snapshot and reads
// until the peer goes away
func (m *Manager) AddClient(conn *websocket.Conn, userID string) {
	c := newClient(conn, userID)

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] Client connected UserID=%s. Total clients: %d", userID, total)

	go c.writeLoop()
	m.sendSnapshot(context.Background(), c)

	go func() {
		defer func() {
			close(c.done)
			m.clientsMu.Lock()
			delete(m.clients, c)
			total := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WEBSOCKET] Client disconnected UserID=%s. Total clients: %d", userID, total)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Publish queues the owner's refreshed job list for each of their
// connections. It does not wait for the writes.
func (m *Manager) Publish(ctx context.Context, ev events.Event) error {
	targets := m.clientsFor(ev.UserID)
	if len(targets) == 0 {
		return nil
	}

	jobs, err := m.jobs.ListJobsByUser(ctx, ev.UserID, "", 0)
	if err != nil {
		return err
	}
	update := Update{Event: &ev, Jobs: jobs}
	for _, c := range targets {
		if !c.enqueue(update) {
			log.Printf("[WEBSOCKET] Dropped %s update for slow client UserID=%s", ev.Type, c.userID)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

func (m *Manager) clientsFor(userID string) []*client {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	var out []*client
	for c := range m.clients {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) sendSnapshot(ctx context.Context, c *client) {
	jobs, err := m.jobs.ListJobsByUser(ctx, c.userID, "", 0)
	if err != nil {
		log.Printf("[ERROR] Failed to load jobs for UserID=%s: %v", c.userID, err)
		return
	}
	c.enqueue(Update{Jobs: jobs})
}
