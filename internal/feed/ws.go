package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// Client maintains a single websocket connection to the event feed with
// automatic reconnection and market resubscription. Transport delivery is
// at-least-once; de-duplication is the consumer's job.
type Client struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	markets map[string]struct{}
	subsMu  sync.Mutex

	handler   func([]byte) error
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	started   atomic.Bool

	handshakeTimeout time.Duration
}

type subscribeRequest struct {
	Method  string   `json:"method"`
	Markets []string `json:"markets"`
	ID      uint64   `json:"id"`
}

// NewClient constructs a feed client. handler is invoked for every frame;
// handler errors are reported on errorChan without tearing the connection
// down.
func NewClient(ctx context.Context, url string, markets []string, handshakeTimeout time.Duration, handler func([]byte) error, errorChan chan<- error) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	subs := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		subs[m] = struct{}{}
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Client{
		url:              url,
		ctx:              clientCtx,
		cancel:           cancel,
		conn:             nil,
		connMu:           sync.RWMutex{},
		msgIDGen:         atomic.Uint64{},
		markets:          subs,
		subsMu:           sync.Mutex{},
		handler:          handler,
		errorChan:        errorChan,
		ready:            make(chan struct{}),
		readyOnce:        sync.Once{},
		done:             make(chan struct{}),
		started:          atomic.Bool{},
		handshakeTimeout: handshakeTimeout,
	}
}

// Start establishes the connection in a background goroutine and waits for
// the initial handshake.
func (c *Client) Start() error {
	c.started.Store(true)
	go func() {
		defer close(c.done)
		if err := c.connect(); err != nil && !errors.Is(err, context.Canceled) {
			c.reportError(fmt.Errorf("feed connection failed: %w", err))
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(c.handshakeTimeout):
		return errors.New("timeout waiting for feed connection")
	case <-c.ctx.Done():
		return fmt.Errorf("feed context done: %w", c.ctx.Err())
	}
}

// Stop closes the connection, cancels the reconnect loop and waits for the
// read loop to exit. No handler invocation outlives Stop.
func (c *Client) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	if c.started.Load() {
		<-c.done
	}
}

// connect maintains the connection with exponential backoff between attempts.
func (c *Client) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			c.reportError(fmt.Errorf("dial %s: %w", c.url, err))
			sleep := backoffCfg.NextBackOff()
			select {
			case <-c.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() {
			close(c.ready)
		})

		backoffCfg.Reset()

		if err := c.subscribeAll(); err != nil {
			c.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		if err := c.readLoop(conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			c.reportError(fmt.Errorf("read loop: %w", err))
		}

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		sleep := backoffCfg.NextBackOff()
		select {
		case <-c.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// subscribeAll sends a subscription request covering every configured market.
// Called after each (re)connect to restore subscription state.
func (c *Client) subscribeAll() error {
	c.subsMu.Lock()
	markets := make([]string, 0, len(c.markets))
	for m := range c.markets {
		markets = append(markets, m)
	}
	c.subsMu.Unlock()

	if len(markets) == 0 {
		return nil
	}

	req := subscribeRequest{
		Method:  "subscribe",
		Markets: markets,
		ID:      c.msgIDGen.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("subscribe on closed connection")
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		_, frame, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if c.handler == nil {
			continue
		}
		if err := c.handler(frame); err != nil {
			// Handler failures are the consumer's concern; the transport
			// keeps reading.
			c.reportError(err)
		}
	}
}

func (c *Client) reportError(err error) {
	if c.errorChan == nil {
		return
	}
	select {
	case c.errorChan <- err:
	default:
	}
}
