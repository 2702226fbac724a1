package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// maxRequestLine bounds a single inbound frame.
const maxRequestLine = 8192

// RequestHandler dispatches one parsed client request. receivedAt is the
// wall-clock time the frame was read off the socket; the submit handler
// uses it for the stale-share cutoff.
type RequestHandler interface {
	HandleRequest(ctx context.Context, c *Conn, msg *Message, receivedAt time.Time) error
}

// Conn is one miner TCP connection. The read loop dispatches requests
// synchronously, so at most one handler runs per connection at a time and
// responses are written in request order through the outbound queue.
type Conn struct {
	id     string
	poolID string
	conn   net.Conn
	logger *log.Logger

	worker         *WorkerContext
	extraNonce1    string
	baseDifficulty float64

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
	sendMu    sync.Mutex
	nonceMu   sync.Mutex
}

// NewConn wraps an accepted socket. baseDifficulty is the endpoint's
// configured difficulty; worker carries the pool's vardiff state when
// enabled.
func NewConn(id, poolID string, conn net.Conn, worker *WorkerContext, baseDifficulty float64, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:             id,
		poolID:         poolID,
		conn:           conn,
		logger:         logger.WithConn(id, conn.RemoteAddr().String()),
		worker:         worker,
		baseDifficulty: baseDifficulty,
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		outbound:       make(chan []byte, 128),
		done:           make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// PoolID returns the owning pool's identifier.
func (c *Conn) PoolID() string { return c.poolID }

// Worker returns the per-connection miner state.
func (c *Conn) Worker() *WorkerContext { return c.worker }

// BaseDifficulty returns the endpoint base difficulty.
func (c *Conn) BaseDifficulty() float64 { return c.baseDifficulty }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// LocalAddr returns the local endpoint address.
func (c *Conn) LocalAddr() string { return c.conn.LocalAddr().String() }

// RemoteIP returns the peer IP without the port.
func (c *Conn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// SetExtraNonce1 records the subscriber extranonce prefix.
func (c *Conn) SetExtraNonce1(en1 string) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.extraNonce1 = en1
}

// ExtraNonce1 returns the subscriber extranonce prefix.
func (c *Conn) ExtraNonce1() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.extraNonce1
}

// Start runs the write loop in the background and the read loop in the
// calling goroutine, returning when the connection ends.
func (c *Conn) Start(ctx context.Context, handler RequestHandler) error {
	c.logger.LogConnection("connected", c.RemoteAddr())
	go c.writeLoop(ctx)
	return c.readLoop(ctx, handler)
}

func (c *Conn) readLoop(ctx context.Context, handler RequestHandler) error {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, maxRequestLine), maxRequestLine)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				c.logger.WithError(err).Debug("read failed")
				return err
			}
			c.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		receivedAt := time.Now()

		c.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("malformed request")
			if sendErr := c.SendError(nil, ErrOther("malformed request")); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := handler.HandleRequest(ctx, c, msg, receivedAt); err != nil {
			// Stratum-typed errors never reach this point; anything else is a
			// supervisor-level failure that terminates the connection.
			c.logger.WithError(err).Error("request handling failed")
			return err
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("socket close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			// Flush whatever was queued before the close, so an error
			// response enqueued just before a ban still reaches the peer.
			c.drainOutbound()
			return
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				c.logger.WithError(err).Debug("write failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) drainOutbound() {
	for {
		select {
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	return nil
}

// Send enqueues messages for delivery. Messages passed in one call are
// queued back to back, so a set_difficulty and the notify that depends on
// it cannot be interleaved with another goroutine's pair.
func (c *Conn) Send(msgs ...*Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for _, msg := range msgs {
		data, err := MarshalMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		select {
		case c.outbound <- data:
		case <-c.done:
			return fmt.Errorf("connection closed")
		default:
			return fmt.Errorf("outbound queue full")
		}
	}
	return nil
}

// SendResponse sends a result response.
func (c *Conn) SendResponse(id any, result any) error {
	return c.Send(NewResponse(id, result))
}

// SendError sends an error response.
func (c *Conn) SendError(id any, serr *StratumError) error {
	return c.Send(NewErrorResponse(id, serr))
}

// Notify sends a server-to-client notification.
func (c *Conn) Notify(method string, params []any) error {
	return c.Send(NewNotification(method, params))
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.logger.LogConnection("disconnected", c.RemoteAddr())
	})
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
