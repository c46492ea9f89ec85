package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Broker fans row and runner lifecycle events out to SSE clients. The
// scheduler broadcasts a row event whenever a row changes phase.
type Broker struct {
	clients map[chan string]struct{}
	mu      sync.RWMutex
}

var broker = &Broker{
	clients: make(map[chan string]struct{}),
}

// GetBroker returns the global event broker
func GetBroker() *Broker {
	return broker
}

// Register adds a new SSE client
func (b *Broker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	log.Printf("📡 SSE client connected (total: %d)", len(b.clients))
}

// Unregister removes an SSE client
func (b *Broker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
	close(client)
	log.Printf("📡 SSE client disconnected (total: %d)", len(b.clients))
}

// Broadcast sends an event to all connected clients. A client whose buffer
// is full misses the event rather than blocking the scheduler.
func (b *Broker) Broadcast(eventType string, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal event data: %v", err)
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData))

	for client := range b.clients {
		select {
		case client <- message:
		default:
		}
	}
}
