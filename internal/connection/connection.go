package connection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/event"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	// Send pings to the server with this period; must be less than pongWait.
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the fixed backoff between reconnect attempts.
	reconnectDelay = 2 * time.Second
)

// Default protocol versions announced in the connect URL's query string.
const (
	defaultControlLayerVersion = "1"
	defaultMessageLayerVersion = "31"
	clientVersionTag           = "streamclient-go/0.1.0"
)

// readWriter pairs the connection's buffered reader with its underlying
// writer so wsutil can read frames and write control-frame replies
// (pong/close) through the same io.ReadWriter.
type readWriter struct {
	io.Reader
	io.Writer
}

// withVersionParams fills in controlLayerVersion, messageLayerVersion and
// streamrClient query parameters on rawURL, leaving any the caller already
// set untouched.
func withVersionParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Get("controlLayerVersion") == "" {
		q.Set("controlLayerVersion", defaultControlLayerVersion)
	}
	if q.Get("messageLayerVersion") == "" {
		q.Set("messageLayerVersion", defaultMessageLayerVersion)
	}
	if q.Get("streamrClient") == "" {
		q.Set("streamrClient", clientVersionTag)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Dialer abstracts ws.Dialer for tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (net.Conn, *bufio.Reader, ws.Handshake, error)
}

type defaultDialer struct {
	ws.Dialer
}

func (d defaultDialer) Dial(ctx context.Context, url string) (net.Conn, *bufio.Reader, ws.Handshake, error) {
	return d.Dialer.Dial(ctx, url)
}

// Config configures a Connection.
type Config struct {
	URL    string
	Dialer Dialer
	Logger zerolog.Logger

	// AutoReconnect enables the fixed-delay reconnect loop on unexpected
	// disconnect. A caller-initiated Disconnect never reconnects.
	AutoReconnect bool
}

// Connection is one WebSocket transport with an explicit lifecycle state
// machine.
type Connection struct {
	cfg     Config
	emitter *event.Emitter[Event]

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	conn      net.Conn
	reader    *bufio.Reader
	closeOnce sync.Once
	stopCh    chan struct{}

	onMessage func([]byte)

	sendMu sync.Mutex
	writer *bufio.Writer
}

// New constructs a Connection. onMessage is invoked from the read pump's
// goroutine for every text frame received; callers must not block in it.
func New(cfg Config, onMessage func([]byte)) *Connection {
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer{ws.Dialer{Timeout: 10 * time.Second}}
	}
	cfg.URL = withVersionParams(cfg.URL)
	c := &Connection{
		cfg:       cfg,
		emitter:   event.NewEmitter[Event](),
		state:     StateDisconnected,
		onMessage: onMessage,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Events returns the Connection's typed event emitter.
func (c *Connection) Events() *event.Emitter[Event] { return c.emitter }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Connect dials the server and starts the read/write pumps. It blocks until
// the handshake completes or ctx is cancelled. If cfg.AutoReconnect is set,
// an unexpected disconnect afterwards triggers the fixed-delay reconnect
// loop in the background.
//
// A Connect that arrives while the Connection is Disconnecting waits for
// Disconnected before dialing again, so the lifecycle events stay in order
// even under racing callers.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	for c.state == StateDisconnecting {
		c.cond.Wait()
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.cond.Broadcast()
	c.mu.Unlock()
	c.emitter.Emit(Event{Kind: EventConnecting, State: StateConnecting})

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		c.emitter.Emit(Event{Kind: EventError, State: StateDisconnected, Err: err})
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.stopCh = make(chan struct{})
	c.closeOnce = sync.Once{}
	stop := c.stopCh
	c.cond.Broadcast()
	c.mu.Unlock()
	c.emitter.Emit(Event{Kind: EventConnected, State: StateConnected})

	go c.readPump(stop)
	go c.writePump(stop)

	return nil
}

func (c *Connection) dial(ctx context.Context) error {
	conn, reader, _, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return errs.New(errs.KindConnection, fmt.Sprintf("dial %s", c.cfg.URL), err)
	}
	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.writer = bufio.NewWriter(conn)
	c.mu.Unlock()
	return nil
}

// Disconnect closes the connection and transitions to Disconnected,
// suppressing any subsequent auto-reconnect.
//
// A Disconnect that arrives while the Connection is Connecting waits for
// Connected first, preserving the connecting, connected, disconnecting,
// disconnected event order.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	for c.state == StateConnecting {
		c.cond.Wait()
	}
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	c.cond.Broadcast()
	conn := c.conn
	stop := c.stopCh
	c.mu.Unlock()
	c.emitter.Emit(Event{Kind: EventDisconnecting, State: StateDisconnecting})

	if stop != nil {
		c.closeOnce.Do(func() { close(stop) })
	}
	if conn != nil {
		wsutil.WriteClientMessage(conn, ws.OpClose, nil)
		conn.Close()
	}

	c.setState(StateDisconnected)
	c.emitter.Emit(Event{Kind: EventDisconnected, State: StateDisconnected})
	return nil
}

// Send writes a single text frame. Safe for concurrent use; frames are
// serialized behind sendMu.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return errs.New(errs.KindNotConnected, "send on non-connected connection", nil)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
		return errs.New(errs.KindConnection, "write frame", err)
	}
	return nil
}

// readPump reads frames until the connection fails, then triggers reconnect
// if enabled.
func (c *Connection) readPump(stop chan struct{}) {
	c.mu.Lock()
	conn := c.conn
	reader := c.reader
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		select {
		case <-stop:
			return
		default:
		}

		data, op, err := wsutil.ReadServerData(readWriter{reader, conn})
		if err != nil {
			c.handleReadError(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpText && c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Connection) handleReadError(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.cond.Broadcast()
	cfg := c.cfg
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	c.emitter.Emit(Event{Kind: EventDisconnected, State: StateDisconnected, Err: err})

	if cfg.AutoReconnect {
		go c.reconnectLoop()
	}
}

// writePump sends periodic pings to keep the connection's read deadline
// honest on an otherwise idle stream.
func (c *Connection) writePump(stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// reconnectLoop retries Connect at a fixed delay until it succeeds or
// Disconnect is called.
func (c *Connection) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.emitter.Emit(Event{Kind: EventReconnecting, State: StateDisconnected})
		time.Sleep(reconnectDelay)

		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}
