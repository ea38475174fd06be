// Package ws fans deployment status documents out to subscribed clients.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by deploy ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with deploy identifier.
type message struct {
	deployID string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	deployID string
	client   Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.deployID]; !ok {
				h.clients[sub.deployID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deployID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			if clients, ok := h.clients[sub.deployID]; ok {
				if _, present := clients[sub.client]; present {
					delete(clients, sub.client)
					sub.client.Close()
				}
				if len(clients) == 0 {
					delete(h.clients, sub.deployID)
				}
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.deployID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.deployID)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for id, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deployID string, client Subscriber) {
	select {
	case h.register <- subscription{deployID: deployID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(deployID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deployID: deployID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all clients of deployID.
func (h *Hub) Broadcast(deployID string, payload []byte) {
	select {
	case h.broadcast <- message{deployID: deployID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow deployID.
func (h *Hub) Subscribers(deployID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deployID])
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
