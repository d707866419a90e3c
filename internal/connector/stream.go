package connector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fundingflow/internal/models"
	"fundingflow/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

func (c *Connector) dialer() *websocket.Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if c.opts.LocalIP != "" {
		if ip := net.ParseIP(c.opts.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return d
}

// runStream holds one websocket session until it fails, the context ends
// or the session limit triggers a rotation.
func (c *Connector) runStream(ctx context.Context, s Streamer) error {
	endpoint, err := s.Endpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	conn, _, err := c.dialer().DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	// Closing the socket is the only way to unblock ReadMessage.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}
	if err := s.Subscribe(sessCtx, send); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ka := s.KeepAlive()
	readTimeout := ka.readTimeout()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if ka.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(sessCtx, cancel, conn, &writeMu, ka)
		}()
	}

	var rotated atomic.Bool
	if ka.SessionLimit > 0 {
		timer := time.AfterFunc(ka.SessionLimit, func() {
			rotated.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	c.log.WithFields(logger.Fields{"endpoint": endpoint}).Debug("stream session open")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			switch {
			case rotated.Load():
				return ErrSessionRotate
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		updates, err := s.Decode(msg)
		if err != nil {
			c.payloadError(err)
			continue
		}
		if len(updates) == 0 {
			continue
		}

		now := c.opts.Now()
		for i := range updates {
			if updates[i].ObservedAt.IsZero() {
				updates[i].ObservedAt = now
			}
			if updates[i].Exchange == "" {
				updates[i].Exchange = c.Exchange()
			}
		}
		c.bufMu.Lock()
		c.buffer.Apply(now, updates)
		c.bufMu.Unlock()
		c.markData()
	}
}

func (c *Connector) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writeMu *sync.Mutex, ka KeepAlive) {
	ticker := time.NewTicker(ka.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			writeMu.Lock()
			if len(ka.Message) > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err = conn.WriteMessage(websocket.TextMessage, ka.Message)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			writeMu.Unlock()
			if err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				cancel()
				return
			}
		}
	}
}

// flushLoop writes the buffer on a fixed cadence until ctx ends, then
// performs one last flush.
func (c *Connector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := c.Flush(final); err != nil {
				c.log.WithError(err).Warn("final flush failed")
				c.flushFailed(err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("flush failed")
				c.flushFailed(err)
			}
		}
	}
}

// flushFailed surfaces a write failure in health. The session itself is
// fine, so state and the error streak are left to the reader loop.
func (c *Connector) flushFailed(err error) {
	h := c.updateHealth(func(h *models.ConnectorHealth) {
		h.LastError = err.Error()
	})
	c.persistHealth(h)
}

// Flush writes every buffered symbol updated since the last flush. Flushes
// never overlap; a failed batch is re-queued.
func (c *Connector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	now := c.opts.Now()
	c.bufMu.Lock()
	updates := c.buffer.Drain(now, c.opts.EvictAfter)
	snaps := c.snapshots(updates, now)
	c.bufMu.Unlock()

	if err := c.write(ctx, snaps); err != nil {
		pending := make([]string, 0, len(updates))
		for _, u := range updates {
			pending = append(pending, u.Symbol)
		}
		c.bufMu.Lock()
		c.buffer.MarkDirty(pending)
		c.bufMu.Unlock()
		return err
	}
	return nil
}
