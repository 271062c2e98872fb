package neural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"TalquiChat/internal/domain"
	"TalquiChat/internal/lib/logger/sl"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const (
	frameDelta = "delta"
	frameDone  = "done"
	frameError = "error"
	framePing  = "ping"

	reconnectDelay = 5 * time.Second
)

var (
	ErrNotAvailable = errors.New("neural service not available")
	ErrQueueFull    = errors.New("write queue is full")
	ErrTimeout      = errors.New("timeout waiting neural response")
	ErrClosed       = errors.New("client closed")
	ErrSlowConsumer = errors.New("stream consumer too slow")
)

// Client multiplexes generation requests over one websocket connection
// to the model backend. Frames are routed back to callers by uuid.
type Client struct {
	log          *slog.Logger
	url          string
	timeout      time.Duration
	streamBuffer int

	// состояние соединения
	mu       sync.Mutex
	conn     *websocket.Conn
	isReady  bool
	stopConn context.CancelFunc
	closed   chan struct{}

	// один writer
	writeCh chan any

	// ожидания по uuid
	pendingMu sync.Mutex
	pending   map[string]*pending

	// чтобы не запускать параллельно несколько reconnect
	reconnectMu sync.Mutex
	closeOnce   sync.Once
}

type pending struct {
	frames chan domain.Response

	abandon     chan struct{}
	abandonOnce sync.Once

	fail     chan struct{}
	failOnce sync.Once
	err      error
}

func newPending(buffer int) *pending {
	return &pending{
		frames:  make(chan domain.Response, buffer),
		abandon: make(chan struct{}),
		fail:    make(chan struct{}),
	}
}

func (p *pending) failWith(err error) {
	p.failOnce.Do(func() {
		p.err = err
		close(p.fail)
	})
}

func (p *pending) leave() {
	p.abandonOnce.Do(func() { close(p.abandon) })
}

type typeMsg struct {
	Type string `json:"type"`
	UUID string `json:"uuid,omitempty"`
}

func NewClient(log *slog.Logger, neuralURL string, timeout time.Duration, streamBuffer int) *Client {
	if streamBuffer <= 0 {
		streamBuffer = 16
	}
	c := &Client{
		log:          log.With(slog.String("component", "neural")),
		url:          neuralURL,
		timeout:      timeout,
		streamBuffer: streamBuffer,
		closed:       make(chan struct{}),
		writeCh:      make(chan any, 256),
		pending:      make(map[string]*pending),
	}
	go c.connectLoop()
	return c
}

// Ready reports whether the backend connection is established.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReady && c.conn != nil
}

// Close stops the client and fails every pending request.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	cancel := c.stopConn
	conn := c.conn
	c.conn = nil
	c.isReady = false
	c.stopConn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// writeLoop may still hold the connection, so no close frame here
	if conn != nil {
		_ = conn.Close()
	}

	c.failAllPending(ErrClosed)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) connectLoop() {
	for !c.isClosed() {
		if err := c.connectOnce(); err != nil {
			c.log.Warn("failed to connect to neural service, retrying", sl.Err(err))
			select {
			case <-c.closed:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		return
	}
}

func (c *Client) connectOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	// если кто-то уже подключил или клиент закрыт — закрываем новое
	if c.conn != nil || c.isClosed() {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.isReady = true
	c.stopConn = cancel
	c.mu.Unlock()

	c.log.Info("connected to neural service", slog.String("url", c.url))

	go c.writeLoop(ctx, conn)
	go c.readLoop(ctx, conn)

	return nil
}

func (c *Client) reconnect(reason error) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	cancel := c.stopConn
	conn := c.conn
	c.conn = nil
	c.isReady = false
	c.stopConn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if reason == nil {
		reason = errors.New("connection lost")
	}
	c.failAllPending(reason)

	if c.isClosed() {
		return
	}
	c.log.Warn("neural connection lost, reconnecting", sl.Err(reason))

	c.connectLoop()
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.writeCh:
			if err := conn.WriteJSON(msg); err != nil {
				go c.reconnect(fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

// readLoop routes frames to pending requests. It never waits on a consumer:
// a stream whose buffer is full is failed and cancelled on the backend, so
// one slow client cannot hold up the other requests sharing the socket.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	const op = "neural.readLoop"

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				go c.reconnect(fmt.Errorf("read error: %w", err))
			}
			return
		}

		var resp domain.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn("unexpected message from server", slog.String("op", op), slog.String("raw", trimLong(string(data))))
			continue
		}

		if resp.Type == framePing {
			c.enqueue(typeMsg{Type: "pong"})
			continue
		}
		if resp.UUID == "" {
			continue
		}

		final := resp.Type != frameDelta

		c.pendingMu.Lock()
		p := c.pending[resp.UUID]
		if p != nil && final {
			delete(c.pending, resp.UUID)
		}
		c.pendingMu.Unlock()

		if p == nil {
			continue
		}

		c.log.Debug("<- frame",
			slog.String("op", op),
			slog.String("uuid", resp.UUID),
			slog.String("type", resp.Type),
			slog.String("text", trimLong(resp.Response)),
		)

		select {
		case p.frames <- resp:
		case <-p.abandon:
		case <-p.fail:
		default:
			c.log.Warn("dropping slow stream", slog.String("op", op), slog.String("uuid", resp.UUID))
			c.unregister(resp.UUID, p)
			p.failWith(ErrSlowConsumer)
			if !final {
				c.enqueue(typeMsg{Type: "cancel", UUID: resp.UUID})
			}
		}
	}
}

func (c *Client) enqueue(msg any) bool {
	select {
	case c.writeCh <- msg:
		return true
	default:
		c.log.Warn("write queue is full, dropping message")
		return false
	}
}

func (c *Client) register(request domain.Request) (*pending, error) {
	if !c.Ready() {
		return nil, ErrNotAvailable
	}

	p := newPending(c.streamBuffer)

	c.pendingMu.Lock()
	if _, exists := c.pending[request.UUID]; exists {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("uuid already pending: %s", request.UUID)
	}
	c.pending[request.UUID] = p
	c.pendingMu.Unlock()

	if !c.enqueue(request) {
		c.unregister(request.UUID, p)
		return nil, ErrQueueFull
	}

	return p, nil
}

func (c *Client) unregister(uuid string, p *pending) {
	c.pendingMu.Lock()
	if c.pending[uuid] == p {
		delete(c.pending, uuid)
	}
	c.pendingMu.Unlock()
	p.leave()
}

// release drops an unfinished request and tells the backend to stop it.
func (c *Client) release(uuid string, p *pending) {
	c.unregister(uuid, p)
	c.enqueue(typeMsg{Type: "cancel", UUID: uuid})
}

// next waits for one frame of the request.
func (c *Client) next(ctx context.Context, p *pending) (domain.Response, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.frames:
		if r.Type == frameError {
			return domain.Response{}, fmt.Errorf("neural backend: %s", r.Error)
		}
		return r, nil
	case <-p.fail:
		return domain.Response{}, p.err
	case <-ctx.Done():
		return domain.Response{}, ctx.Err()
	case <-timer.C:
		return domain.Response{}, ErrTimeout
	}
}

// ===== public API =====

// Generate sends one request and waits for the complete answer.
func (c *Client) Generate(ctx context.Context, request domain.Request) (domain.Response, error) {
	const op = "neural.Generate"

	request.Stream = false
	p, err := c.register(request)
	if err != nil {
		return domain.Response{}, fmt.Errorf("%s: %w", op, err)
	}
	defer c.unregister(request.UUID, p)

	c.log.Debug("-> request",
		slog.String("op", op),
		slog.String("uuid", request.UUID),
		slog.String("model", request.ModelName),
		slog.String("text", trimLong(request.Message)),
	)

	resp, err := c.next(ctx, p)
	if err != nil {
		return domain.Response{}, fmt.Errorf("%s: %w", op, err)
	}

	return domain.Response{
		UUID:      resp.UUID,
		Response:  resp.Response,
		CreatedAt: resp.CreatedAt,
	}, nil
}

// Stream sends one streaming request and yields answer deltas in arrival
// order. Stopping the iteration early cancels the request on the backend,
// and so does cancelling ctx before the iteration starts.
func (c *Client) Stream(ctx context.Context, request domain.Request) (iter.Seq2[string, error], error) {
	const op = "neural.Stream"

	request.Stream = true
	p, err := c.register(request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// освобождаем запрос, если его так и не начали читать
	stopRelease := context.AfterFunc(ctx, func() { c.release(request.UUID, p) })

	var once sync.Once
	return func(yield func(string, error) bool) {
		used := true
		once.Do(func() { used = false })
		if used {
			yield("", fmt.Errorf("%s: stream already consumed", op))
			return
		}
		if !stopRelease() {
			yield("", fmt.Errorf("%s: %w", op, ctx.Err()))
			return
		}

		finished := false
		defer func() {
			if finished {
				c.unregister(request.UUID, p)
				return
			}
			c.release(request.UUID, p)
		}()

		for {
			resp, err := c.next(ctx, p)
			if err != nil {
				yield("", fmt.Errorf("%s: %w", op, err))
				return
			}

			switch resp.Type {
			case frameDelta:
				if !yield(resp.Response, nil) {
					return
				}
			case frameDone:
				finished = true
				if resp.Response != "" {
					yield(resp.Response, nil)
				}
				return
			default:
				// backend answered without streaming
				finished = true
				yield(resp.Response, nil)
				return
			}
		}
	}, nil
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for uuid, p := range c.pending {
		delete(c.pending, uuid)
		p.failWith(err)
	}
}

func trimLong(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "...(truncated)"
}
