// Package wsclient implements gateway.Gateway over a websocket JSON
// connection to a chain node.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	klog "github.com/Klingon-tech/klingnet-wallet/internal/log"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 10 * time.Second
	writeWait           = 10 * time.Second
)

// Options tunes the client.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

// Client is a websocket gateway connection. Subscriptions are reference
// counted per address: the node only sees the first subscribe and the
// last unsubscribe.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	subs    map[types.Address]int

	listeners gateway.Listeners
	connected atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the node websocket endpoint at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait == 0 {
		opts.PongWait = defaultPongWait
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  klog.Gateway.With().Str("url", url).Logger(),
		pending: make(map[uint64]chan Message),
		subs:    make(map[types.Address]int),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	// Each pong extends the read deadline by another interval.
	_ = conn.SetReadDeadline(time.Now().Add(opts.PingInterval + opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PingInterval + opts.PongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Close tears down the connection. Pending calls fail with
// gateway.ErrNotConnected.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.listeners.Emit(gateway.Event{Type: gateway.EventProcessorStopped})
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("Gateway connection lost")
			}
			return
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.handleNotification(msg)
	}
}

func (c *Client) handleNotification(msg Message) {
	switch msg.Method {
	case NotifyUtxosChanged:
		var p UtxosChangedParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed utxos notification")
			return
		}
		c.listeners.Emit(gateway.Event{Type: gateway.EventUtxosChanged, Added: p.Added, Removed: p.Removed})
	case NotifyDAAScoreChange:
		var p DAAScoreParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed daa notification")
			return
		}
		c.listeners.Emit(gateway.Event{Type: gateway.EventDaaScoreChanged, DAAScore: p.VirtualDAAScore})
	default:
		c.logger.Debug().Str("method", msg.Method).Msg("Ignoring notification")
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.PongWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Msg("Ping failed")
				c.Close()
				return
			}
		}
	}
}

// call sends a request and decodes the result into out (may be nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return gateway.ErrNotConnected
	}
	req := Request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return fmt.Errorf("%s: %w: %v", method, gateway.ErrNotConnected, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, gateway.ErrNotConnected)
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// IsConnected implements gateway.Gateway.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// GetServerInfo implements gateway.Gateway.
func (c *Client) GetServerInfo(ctx context.Context) (gateway.ServerInfo, error) {
	var info gateway.ServerInfo
	err := c.call(ctx, MethodGetServerInfo, nil, &info)
	return info, err
}

// GetUtxosByAddresses implements gateway.Gateway.
func (c *Client) GetUtxosByAddresses(ctx context.Context, addrs []types.Address) ([]gateway.UtxoEntry, error) {
	var entries []gateway.UtxoEntry
	err := c.call(ctx, MethodGetUtxosByAddresses, AddressesParams{Addresses: addrs}, &entries)
	return entries, err
}

// GetFeeEstimate implements gateway.Gateway.
func (c *Client) GetFeeEstimate(ctx context.Context) (gateway.FeeEstimate, error) {
	var est gateway.FeeEstimate
	err := c.call(ctx, MethodGetFeeEstimate, nil, &est)
	return est, err
}

// SubmitTransaction implements gateway.Gateway.
func (c *Client) SubmitTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	var res SubmitResult
	err := c.call(ctx, MethodSubmitTransaction, SubmitParams{Transaction: t}, &res)
	return res.TransactionID, err
}

// SubmitTransactionReplacement implements gateway.Gateway.
func (c *Client) SubmitTransactionReplacement(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	var res SubmitResult
	err := c.call(ctx, MethodSubmitTransactionReplacement, SubmitParams{Transaction: t}, &res)
	return res.TransactionID, err
}

// GetMempoolEntriesByAddresses implements gateway.Gateway.
func (c *Client) GetMempoolEntriesByAddresses(ctx context.Context, addrs []types.Address) ([]gateway.MempoolEntries, error) {
	var entries []gateway.MempoolEntries
	err := c.call(ctx, MethodGetMempoolEntriesByAddresses, AddressesParams{Addresses: addrs}, &entries)
	return entries, err
}

// SubscribeUtxosChanged implements gateway.Gateway.
func (c *Client) SubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	c.mu.Lock()
	var fresh []types.Address
	for _, a := range addrs {
		if c.subs[a] == 0 {
			fresh = append(fresh, a)
		}
		c.subs[a]++
	}
	c.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	if err := c.call(ctx, MethodSubscribeUtxosChanged, AddressesParams{Addresses: fresh}, nil); err != nil {
		c.release(addrs)
		return err
	}
	return nil
}

// UnsubscribeUtxosChanged implements gateway.Gateway.
func (c *Client) UnsubscribeUtxosChanged(ctx context.Context, addrs []types.Address) error {
	last := c.release(addrs)
	if len(last) == 0 {
		return nil
	}
	return c.call(ctx, MethodUnsubscribeUtxosChanged, AddressesParams{Addresses: last}, nil)
}

// release drops one reference per address and returns those reaching zero.
func (c *Client) release(addrs []types.Address) []types.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last []types.Address
	for _, a := range addrs {
		switch c.subs[a] {
		case 0:
		case 1:
			delete(c.subs, a)
			last = append(last, a)
		default:
			c.subs[a]--
		}
	}
	return last
}

// Subscriptions returns the local reference count of addr.
func (c *Client) Subscriptions(addr types.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[addr]
}

// AddListener implements gateway.Gateway.
func (c *Client) AddListener(fn gateway.Listener) func() {
	return c.listeners.Add(fn)
}

// IsClosedError reports whether err is a normal websocket shutdown.
func IsClosedError(err error) bool {
	return errors.Is(err, gateway.ErrNotConnected) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

var _ gateway.Gateway = (*Client)(nil)
