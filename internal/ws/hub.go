package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send(event string, payload []byte) error
	Close()
}

// Hub fans payloads out to the clients of each feed.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	feed    string
	event   string
	payload []byte
}

type subscription struct {
	feed   string
	client Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for feed, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, feed)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.feed]; !ok {
				h.clients[sub.feed] = make(map[Subscriber]struct{})
			}
			h.clients[sub.feed][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			if clients, ok := h.clients[sub.feed]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.feed)
				}
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.feed]; ok {
				for c := range clients {
					if err := c.Send(msg.event, msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.feed)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to a feed.
func (h *Hub) Register(feed string, client Subscriber) {
	select {
	case h.register <- subscription{feed: feed, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(feed string, client Subscriber) {
	select {
	case h.unreg <- subscription{feed: feed, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every client of feed.
func (h *Hub) Broadcast(feed, event string, payload []byte) {
	select {
	case h.broadcast <- message{feed: feed, event: event, payload: payload}:
	case <-h.done:
	}
}

// Count reports the number of clients registered on feed.
func (h *Hub) Count(feed string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[feed])
}

// Close stops the hub and closes every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
