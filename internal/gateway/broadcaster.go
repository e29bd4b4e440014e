package gateway

import "sync"

// Broadcaster fans one symbol's price frames out to its clients and
// remembers the latest frame for replay on subscribe.
type Broadcaster struct {
	symbol string

	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  []byte

	// OnDrop is called when a slow client's queue is full. Optional.
	OnDrop func()
}

// NewBroadcaster creates an empty Broadcaster for symbol.
func NewBroadcaster(symbol string) *Broadcaster {
	return &Broadcaster{symbol: symbol, clients: make(map[*Client]struct{})}
}

// Broadcast records data as the latest frame and queues it on every client.
// A full client queue drops the frame for that client only.
func (b *Broadcaster) Broadcast(data []byte) {
	b.mu.Lock()
	b.latest = data
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			if b.OnDrop != nil {
				b.OnDrop()
			}
		}
	}
}

// Latest returns the last broadcast frame, or nil.
func (b *Broadcaster) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// register adds c and queues the latest frame on it.
func (b *Broadcaster) register(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
	if b.latest != nil {
		select {
		case c.send <- b.latest:
		default:
		}
	}
}

// unregister removes c, closes its queue and returns the remaining count.
// Closing under the lock keeps Broadcast from sending on a closed channel.
func (b *Broadcaster) unregister(c *Client) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	return len(b.clients)
}

// Len returns the number of registered clients.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// closeAll unregisters every client, closing their queues.
func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
