package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/caesar-terminal/idexbook/internal/metrics"
)

// CircuitState reports transport health to quote consumers.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, stop quoting
)

// FrameKind tags what a Frame carries.
type FrameKind uint8

const (
	FrameMessage FrameKind = iota
	FrameConnected
	FrameDisconnected
)

// Frame is one item of the WSClient fan-out. Connection transitions travel
// in-band so subscribers see them in order with the data around them.
type Frame struct {
	Kind FrameKind
	Data []byte
	Err  error
}

// Backoff grows a reconnect delay geometrically up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Next returns the delay that follows d.
func (b Backoff) Next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * b.Factor)
	if next < b.Initial {
		next = b.Initial
	}
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL     string
	Headers http.Header

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the longest silence, data or ping, tolerated
	// before the connection is treated as dead.
	HeartbeatTimeout time.Duration
	// WriteTimeout bounds every outbound frame.
	WriteTimeout time.Duration

	Backoff Backoff
}

// DefaultWSConfig returns defaults suited to the venue's server-driven pings.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   16384,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backoff: Backoff{
			Initial: time.Second,
			Max:     30 * time.Second,
			Factor:  2,
		},
	}
}

// WSClient owns one venue WebSocket. It redials with backoff after read
// failures or heartbeat silence and hands every frame to its subscribers in
// arrival order.
type WSClient struct {
	cfg WSConfig

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  []chan Frame

	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// onReconnect runs after every successful redial.
	onReconnect func()
}

func NewWSClient(cfg WSConfig) *WSClient {
	ws := &WSClient{
		cfg:    cfg,
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.setCircuit(CircuitOpen)
	return ws
}

// Circuit returns the current transport state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

func (ws *WSClient) setCircuit(s CircuitState) {
	ws.circuit.Store(int32(s))
	if s == CircuitClosed {
		metrics.WSConnected.Set(1)
	} else {
		metrics.WSConnected.Set(0)
	}
}

// Subscribe returns a channel that receives every inbound frame. Delivery
// blocks the read loop, so the caller must keep draining it. Subscribe
// before Connect to observe the first FrameConnected.
func (ws *WSClient) Subscribe() <-chan Frame {
	ch := make(chan Frame, 1024)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send queues data for the write loop. A full outbox drops the frame.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		log.Warn().Int("bytes", len(data)).Msg("ws: outbox full, dropping message")
	}
}

// Connect dials once and starts the read and write loops. A failed first
// dial is returned to the caller rather than retried.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	conn, err := ws.dial(ctx)
	if err != nil {
		return err
	}
	ws.setConn(conn)
	ws.setCircuit(CircuitClosed)
	log.Info().Str("url", ws.cfg.URL).Msg("ws: connected")

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	return nil
}

// Close stops both loops, closes the socket and every subscriber channel.
// It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		if c := ws.current(); c != nil {
			c.Close()
		}

		ws.subMu.Lock()
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		ws.setCircuit(CircuitOpen)
		close(ws.done)
	})
}

// Done is closed once Close has run.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) current() *websocket.Conn {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.conn
}

func (ws *WSClient) setConn(c *websocket.Conn) {
	ws.mu.Lock()
	ws.conn = c
	ws.mu.Unlock()
}

func (ws *WSClient) url() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.cfg.URL
}

// dial opens a connection with TCP_NODELAY and installs the ping handler.
func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.url(), ws.cfg.Headers)
	if err != nil {
		return nil, err
	}

	// A venue ping counts as a heartbeat.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
	return conn, nil
}

// redial retries until a connection is made or ctx ends.
func (ws *WSClient) redial(ctx context.Context) bool {
	ws.setCircuit(CircuitOpen)

	delay := ws.cfg.Backoff.Initial
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		conn, err := ws.dial(ctx)
		if err != nil {
			delay = ws.cfg.Backoff.Next(delay)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("ws: reconnect failed")
			timer.Reset(delay)
			continue
		}

		ws.setConn(conn)
		ws.setCircuit(CircuitClosed)
		metrics.WSReconnectsTotal.Inc()
		log.Info().Msg("ws: reconnected")
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// readLoop is also the heartbeat monitor: a read deadline miss counts as a
// dead connection.
func (ws *WSClient) readLoop(ctx context.Context) {
	ws.fanOut(ctx, Frame{Kind: FrameConnected})
	for {
		c := ws.current()
		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, data, err := c.ReadMessage()
		if err == nil {
			ws.fanOut(ctx, Frame{Kind: FrameMessage, Data: data})
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("ws: read failed, reconnecting")
		c.Close()
		ws.fanOut(ctx, Frame{Kind: FrameDisconnected, Err: err})
		if !ws.redial(ctx) {
			return
		}
		ws.fanOut(ctx, Frame{Kind: FrameConnected})
	}
}

func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			c := ws.current()
			if ws.cfg.WriteTimeout > 0 {
				c.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Int("bytes", len(data)).Msg("ws: write failed")
			}
		}
	}
}

// fanOut hands f to every subscriber. Sequence tracking downstream depends
// on order, so a full subscriber stalls the read loop instead of losing f.
func (ws *WSClient) fanOut(ctx context.Context, f Frame) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- f:
		case <-ctx.Done():
			return
		}
	}
}
