package chat

import (
	"context"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
)

// Hub owns the registry of live connections on this instance, indexed by user.
// Only the Run goroutine touches the registry; everything else talks to it
// through channels.
type Hub struct {
	clients map[string]map[*Client]struct{}

	register   chan registration
	unregister chan *Client
	deliver    chan Delivery
	direct     chan directFrame
	online     chan onlineQuery
	done       chan struct{}
}

// registration carries an optional first frame, queued before the client can
// see any delivery.
type registration struct {
	client *Client
	hello  []byte
}

type directFrame struct {
	client  *Client
	payload []byte
}

type onlineQuery struct {
	userID string
	reply  chan int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan registration),
		unregister: make(chan *Client),
		deliver:    make(chan Delivery, 256),
		direct:     make(chan directFrame, 256),
		online:     make(chan onlineQuery),
		done:       make(chan struct{}),
	}
}

// Run processes registry events until ctx is cancelled, then closes every
// connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for _, set := range h.clients {
			for c := range set {
				h.drop(c)
			}
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-h.register:
			c := reg.client
			set := h.clients[c.UserID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[c.UserID] = set
			}
			set[c] = struct{}{}
			metrics.ConnectionsActive.Inc()
			if reg.hello != nil {
				h.push(c, reg.hello)
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c.UserID][c]; ok {
				h.drop(c)
			}

		case d := <-h.deliver:
			for _, userID := range d.UserIDs {
				for c := range h.clients[userID] {
					h.push(c, d.Payload)
				}
			}

		case f := <-h.direct:
			if _, ok := h.clients[f.client.UserID][f.client]; ok {
				h.push(f.client, f.payload)
			}

		case q := <-h.online:
			q.reply <- len(h.clients[q.userID])
		}
	}
}

func (h *Hub) push(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		metrics.Deliveries.WithLabelValues("delivered").Inc()
	default:
		// Slow consumer: cut it loose rather than stall everyone else.
		logging.Warn().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("send buffer full, dropping connection")
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	set := h.clients[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
	}
	close(c.send)
	metrics.ConnectionsActive.Dec()
}

// Register adds c to the registry. A non-nil hello is the first frame c
// receives. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client, hello []byte) bool {
	select {
	case h.register <- registration{client: c, hello: hello}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues d for every local connection of d.UserIDs. Users without a
// live connection are skipped; they catch up through history.
func (h *Hub) Deliver(ctx context.Context, d Delivery) error {
	select {
	case <-h.done:
		return context.Canceled
	default:
	}
	select {
	case h.deliver <- d:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTo writes payload to a single connection if it is still registered.
func (h *Hub) SendTo(c *Client, payload []byte) {
	select {
	case h.direct <- directFrame{client: c, payload: payload}:
	case <-h.done:
	}
}

// Online returns the number of live connections of userID on this instance.
func (h *Hub) Online(userID string) int {
	q := onlineQuery{userID: userID, reply: make(chan int, 1)}
	select {
	case h.online <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}
