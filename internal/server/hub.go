// Package server coordinates client registration, fan-out to every connection,
// and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/conn"
	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/logger"
)

// ErrHubClosed is returned when registering with a hub that is shutting down.
var ErrHubClosed = errors.New("hub is shut down")

// Dispatcher receives every decoded inbound event and the end of each
// connection. The session coordinator implements it.
type Dispatcher interface {
	Handle(ctx context.Context, h conn.Handle, in event.Inbound)
	Disconnect(h conn.Handle)
}

// Hub manages all WebSocket client connections. It owns client registration
// and unregistration and guards the client set with a mutex.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	dispatcher Dispatcher
}

// NewHub creates a Hub ready to run. SetDispatcher must be called before Run.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetDispatcher installs the receiver of inbound events.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// Register hands a new client to the hub, which starts its pumps.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	// The read lock keeps the channel from being closed mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logger.Warn("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			logger.Info("Client registered",
				zap.String("conn", client.id), zap.String("addr", client.addr), zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient drops client from the set and closes its send channel once.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	logger.Info("Client unregistered",
		zap.String("conn", client.id), zap.String("addr", client.addr), zap.Int("clients", clientCount))
}

// unregisterClient asks Run to drop client, or drops it directly when Run
// has already exited.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.removeClient(client)
	}
}

// BroadcastAll queues payload on every registered client and returns how many
// accepted it. Clients whose buffer is full are dropped.
func (h *Hub) BroadcastAll(payload []byte) int {
	clients := h.getClientSnapshot()

	delivered := 0
	var clientsToRemove []*Client
	for _, client := range clients {
		if h.safeSend(client, payload) {
			delivered++
			continue
		}
		clientsToRemove = append(clientsToRemove, client)
	}
	h.removeFailedClients(clientsToRemove)

	logger.Debug("Broadcast to all clients", zap.Int("delivered", delivered), zap.Int("dropped", len(clientsToRemove)))
	return delivered
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			logger.Warn("Client removed due to full send buffer",
				zap.String("conn", client.id), zap.String("addr", client.addr))
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every live connection so the read pumps exit.
func (h *Hub) shutdownClients() {
	logger.Info("Shutting down all client connections")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				logger.Warn("Error closing client connection", zap.String("addr", client.addr), zap.Error(err))
			}
		}
	}

	logger.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return errors.Wrap(context.DeadlineExceeded, "hub shutdown")
	}
}
