package utils

import (
	"net/http"
	"sync"

	"rangefetch/internal"
)

// PooledClient is a long-lived transport client owned by a ConnectionPool
type PooledClient struct {
	Name  string
	HTTP  *http.Client
	Retry *RetryTransport
}

// Send performs req through the client's retry policy
func (c *PooledClient) Send(req *http.Request) (*RetryResult, error) {
	return c.Retry.Send(req)
}

// Close drops the client's idle connections
func (c *PooledClient) Close() {
	if c.HTTP != nil {
		c.HTTP.CloseIdleConnections()
	}
}

// ClientFactory builds the client for a key on first use
type ClientFactory func(key string) (*PooledClient, error)

// ConnectionPool maps a key to one lazily built client. Entries live until
// Clear or Close.
type ConnectionPool struct {
	mu      sync.Mutex
	clients map[string]*PooledClient
	factory ClientFactory
}

// NewConnectionPool creates an empty pool using factory to build clients
func NewConnectionPool(factory ClientFactory) *ConnectionPool {
	return &ConnectionPool{
		clients: make(map[string]*PooledClient),
		factory: factory,
	}
}

// Rent returns the client for key, building it if needed. Concurrent first
// calls for the same key construct exactly one client.
func (p *ConnectionPool) Rent(key string) (*PooledClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	c, err := p.factory(key)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

// Return hands a client back. The pooled entry is kept for reuse. A client
// that is not the current entry for key, such as one rented before Clear,
// is closed and never re-pooled.
func (p *ConnectionPool) Return(key string, c *PooledClient) {
	if c == nil {
		return
	}

	p.mu.Lock()
	current := p.clients[key]
	p.mu.Unlock()

	if current != c {
		c.Close()
		internal.LogDebug("Closed stale client %q", key)
	}
}

// Count reports the number of pooled clients
func (p *ConnectionPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// SetFactory replaces the factory used for clients built after the call
func (p *ConnectionPool) SetFactory(factory ClientFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory = factory
}

// Clear closes and forgets every pooled client
func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*PooledClient)
	p.mu.Unlock()

	for key, c := range clients {
		c.Close()
		internal.LogDebug("Closed pooled client %q", key)
	}
}

// Close disposes the pool
func (p *ConnectionPool) Close() error {
	p.Clear()
	return nil
}
