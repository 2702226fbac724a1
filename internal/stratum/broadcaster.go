package stratum

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// Registry tracks the live connections of a pool.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove unregisters a connection.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Range calls fn for every live connection.
func (r *Registry) Range(fn func(*Conn)) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// Broadcaster consumes the upstream job stream and fans each job out to
// every subscribed connection. The single consumer loop serializes
// broadcasts, so set_difficulty/notify pairs from two job updates cannot
// interleave.
type Broadcaster struct {
	logger   *log.Logger
	registry *Registry
	jobs     <-chan []any

	current atomic.Pointer[[]any]

	first     chan struct{}
	firstOnce sync.Once
}

// NewBroadcaster creates a broadcaster over the given job stream.
func NewBroadcaster(logger *log.Logger, registry *Registry, jobs <-chan []any) *Broadcaster {
	return &Broadcaster{
		logger:   logger.WithComponent("broadcaster"),
		registry: registry,
		jobs:     jobs,
		first:    make(chan struct{}),
	}
}

// Run consumes the job stream until the context ends or the stream closes.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case params, ok := <-b.jobs:
			if !ok {
				return nil
			}
			b.Broadcast(params)
		}
	}
}

// Broadcast stores params as the current job and notifies every subscribed
// connection, promoting any pending difficulty first. Per-connection write
// failures are isolated.
func (b *Broadcaster) Broadcast(params []any) {
	b.current.Store(&params)
	b.firstOnce.Do(func() { close(b.first) })

	count := 0
	b.registry.Range(func(c *Conn) {
		if !c.Worker().IsSubscribed() {
			return
		}
		msgs := make([]*Message, 0, 2)
		if c.Worker().ApplyPendingDifficulty() {
			msgs = append(msgs, NewNotification("mining.set_difficulty", []any{c.Worker().Difficulty()}))
		}
		msgs = append(msgs, NewNotification("mining.notify", params))
		if err := c.Send(msgs...); err != nil {
			b.logger.Debug("job delivery failed", "conn_id", c.ID(), "error", err)
			return
		}
		count++
	})

	b.logger.LogJobBroadcast(jobID(params), count)
}

// Current returns the current job params, nil before the first job.
func (b *Broadcaster) Current() []any {
	p := b.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// WaitFirstJob blocks until the first job arrives. The pool must not accept
// subscriptions before this resolves, or clients would observe a nil job.
func (b *Broadcaster) WaitFirstJob(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.first:
		return nil
	}
}

// jobID extracts the job id used in log lines: the first element of the
// otherwise opaque params tuple.
func jobID(params []any) string {
	if len(params) == 0 {
		return ""
	}
	if s, ok := params[0].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", params[0])
}
