package streamclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/streamclient/internal/chain"
	"github.com/adred-codev/streamclient/internal/connection"
	"github.com/adred-codev/streamclient/internal/crypto"
	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/event"
	"github.com/adred-codev/streamclient/internal/groupkey"
	"github.com/adred-codev/streamclient/internal/publisher"
	"github.com/adred-codev/streamclient/internal/session"
	"github.com/adred-codev/streamclient/internal/subscriber"
	"github.com/adred-codev/streamclient/internal/wire"
	"github.com/adred-codev/streamclient/metrics"
)

// Client is the single entry point an application holds: one connection,
// one publisher, one subscriber, sharing one group-key store and session.
// Construct with New.
type Client struct {
	cfg Config

	conn    *connection.Connection
	sender  *wireSender
	pub     *publisher.Publisher
	sub     *subscriber.Subscriber
	sess    *session.Session
	keys    *groupkey.Store
	metrics *metrics.Metrics

	address string

	mu              sync.Mutex
	disconnectTimer *time.Timer
}

// New builds a Client from the supplied Options. WithURL is required;
// WithPrivateKeyHex is required to Publish (a subscribe-only client can omit
// it).
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("streamclient: WithURL is required")
	}

	c := &Client{cfg: cfg, keys: groupkey.NewStore()}

	if cfg.PrivateKeyHex != "" {
		key, err := crypto.ParsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("streamclient: %w", err)
		}
		c.address = crypto.AddressFromPrivateKey(key)
	}

	c.metrics = metrics.New(cfg.Registry)

	if cfg.RESTBaseURL != "" {
		rest := session.NewDefaultRESTClient(cfg.RESTBaseURL, cfg.RESTTimeout)
		sessCfg := cfg.Auth
		sessCfg.REST = rest
		sessCfg.Logger = cfg.Logger
		if cfg.PrivateKeyHex != "" {
			sessCfg.Signer = c.signChallenge
		}
		c.sess = session.New(sessCfg)
	}

	c.sender = &wireSender{maxQueue: cfg.MaxPublishQueueSize}

	c.conn = connection.New(connection.Config{
		URL:           cfg.URL,
		Dialer:        cfg.Dialer,
		Logger:        cfg.Logger,
		AutoReconnect: cfg.AutoConnect,
	}, c.handleMessage)
	c.sender.conn = c.conn

	c.sub = subscriber.New(subscriber.Config{
		Sender:        c.sender,
		GroupKeys:     c.keys,
		ClientAddress: c.address,
		ChainConfig: chain.Config{
			PropagationTimeout: cfg.PropagationTimeout,
			MaxGapRequests:     cfg.MaxGapRequests,
		},
		RequestTimeout:   cfg.ResendTimeout,
		VerifySignatures: cfg.VerifySignatures,
	})

	if cfg.PrivateKeyHex != "" {
		pub, err := publisher.New(publisher.Config{
			PrivateKeyHex:   cfg.PrivateKeyHex,
			GroupKeys:       c.keys,
			Sender:          c.sender,
			MaxQueueSize:    cfg.MaxPublishQueueSize,
			SignaturePolicy: cfg.PublishWithSignature,
			SessionToken:    c.cachedSessionToken,
		})
		if err != nil {
			return nil, fmt.Errorf("streamclient: %w", err)
		}
		c.pub = pub
	}

	c.conn.Events().On(c.onConnectionEvent)

	return c, nil
}

// signChallenge implements session.Signer using this client's configured key.
func (c *Client) signChallenge(challenge []byte) (signature string, address string, err error) {
	key, err := crypto.ParsePrivateKey(c.cfg.PrivateKeyHex)
	if err != nil {
		return "", "", err
	}
	sig, err := crypto.Sign(challenge, key)
	if err != nil {
		return "", "", err
	}
	return sig, c.address, nil
}

func (c *Client) onConnectionEvent(evt connection.Event) {
	switch evt.Kind {
	case connection.EventConnected:
		c.metrics.ConnectEvents.WithLabelValues("connected").Inc()
		c.sender.drain()
		if token, err := c.sessionToken(context.Background()); err == nil {
			// Re-issue a SubscribeRequest for every session that
			// survived the drop.
			c.sub.ResubscribeAll(token)
		}
	case connection.EventReconnecting:
		c.metrics.ReconnectsTotal.Inc()
		c.metrics.ConnectEvents.WithLabelValues("reconnecting").Inc()
	case connection.EventDisconnected:
		c.metrics.ConnectEvents.WithLabelValues("disconnected").Inc()
	case connection.EventConnecting:
		c.metrics.ConnectEvents.WithLabelValues("connecting").Inc()
	case connection.EventDisconnecting:
		c.metrics.ConnectEvents.WithLabelValues("disconnecting").Inc()
	}
}

// handleMessage is the connection's onMessage callback: every inbound
// control frame is routed to the subscriber, which demultiplexes it to the
// owning session. An undecodable frame is dropped and logged; it never
// tears down the connection.
func (c *Client) handleMessage(data []byte) {
	if err := c.sub.HandleMessage(data); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("dropping undecodable inbound frame")
	}
}

// Connect dials the server if not already connected or connecting. Most
// callers never need this directly: Publish/Subscribe/ResendSubscribe
// auto-connect when WithAutoConnect(true) (the default) is in effect.
func (c *Client) Connect(ctx context.Context) error {
	c.cancelAutoDisconnect()
	return c.conn.Connect(ctx)
}

// Disconnect tears down the connection and suppresses auto-reconnect until
// the next explicit Connect/Publish/Subscribe call.
func (c *Client) Disconnect() error {
	c.cancelAutoDisconnect()
	return c.conn.Disconnect()
}

// State reports the connection's current lifecycle state.
func (c *Client) State() State { return c.conn.State() }

func (c *Client) ensureConnected(ctx context.Context) error {
	c.cancelAutoDisconnect()
	if !c.cfg.AutoConnect {
		if c.conn.State() != connection.StateConnected {
			return errs.New(errs.KindNotConnected, "auto-connect disabled and not connected", nil)
		}
		return nil
	}
	if c.conn.State() == connection.StateConnected {
		return nil
	}
	return c.conn.Connect(ctx)
}

// Address returns the publisher identity derived from the configured
// private key, empty if none was configured.
func (c *Client) Address() string { return c.address }

// Publish stamps, optionally encrypts, signs and sends content on streamID.
// Requires WithPrivateKeyHex.
func (c *Client) Publish(ctx context.Context, streamID string, content []byte, opts PublishOptions) (*wire.StreamMessage, error) {
	if c.pub == nil {
		return nil, fmt.Errorf("streamclient: Publish requires WithPrivateKeyHex")
	}
	if err := c.ensureConnected(ctx); err != nil {
		c.metrics.PublishErrors.WithLabelValues(errs.KindNotConnected.String()).Inc()
		return nil, err
	}

	start := time.Now()
	msg, err := c.pub.Publish(ctx, streamID, content, opts)
	c.metrics.ObservePublishLatency(start)
	if err != nil {
		kind := errs.KindUnknown
		if e, ok := err.(*errs.Error); ok {
			kind = e.Kind
		}
		c.metrics.PublishErrors.WithLabelValues(kind.String()).Inc()
		return nil, err
	}
	c.metrics.PublishesTotal.Inc()
	c.scheduleAutoDisconnect()
	return msg, nil
}

// RotateGroupKey stages a fresh group key to take effect on the next publish
// to streamID.
func (c *Client) RotateGroupKey(streamID string) (GroupKey, error) {
	if c.pub == nil {
		return GroupKey{}, fmt.Errorf("streamclient: RotateGroupKey requires WithPrivateKeyHex")
	}
	return c.pub.RotateGroupKey(streamID)
}

// Subscription is a handle to one live subscription. Read decoded messages
// from C(), lifecycle events from Events(), and release the subscription
// with Close.
type Subscription struct {
	client  *Client
	session *subscriber.Session
}

// C returns the channel of in-order, decrypted messages.
func (s *Subscription) C() <-chan *DecodedMessage { return s.session.Messages() }

// Events returns the subscription's lifecycle event emitter.
func (s *Subscription) Events() *event.Emitter[SubscriptionEvent] {
	return s.session.Events()
}

// SetGroupKeys supplies group keys a publisher was missing, draining any
// messages parked awaiting them.
func (s *Subscription) SetGroupKeys(publisherID string, keys []GroupKey) {
	s.session.SetGroupKeys(publisherID, keys)
}

// ResendDone reports whether a prior ResendSubscribe on this subscription has
// fully drained, including any group-key-parked messages.
func (s *Subscription) ResendDone() bool { return s.session.ResendDone() }

// Close unsubscribes and releases the subscription.
func (s *Subscription) Close(ctx context.Context) error {
	err := s.client.sub.Unsubscribe(ctx, s.session)
	s.client.scheduleAutoDisconnect()
	return err
}

// Subscribe subscribes to (streamID, partition), auto-connecting first if
// configured.
func (c *Client) Subscribe(ctx context.Context, streamID string, partition int) (*Subscription, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := c.sub.Subscribe(ctx, streamID, partition, token)
	if err != nil {
		return nil, err
	}
	sess.Events().On(c.countSubscriptionEvent)
	return &Subscription{client: c, session: sess}, nil
}

func (c *Client) countSubscriptionEvent(e SubscriptionEvent) {
	switch e.Kind {
	case subscriber.EventGapFill:
		c.metrics.GapFillAttempts.Inc()
	case subscriber.EventGroupKeyMissing:
		c.metrics.GroupKeyMissingEvents.Inc()
	case subscriber.EventError:
		switch {
		case errs.Of(e.Err, errs.KindDecryption):
			c.metrics.DecryptionErrors.Inc()
		case errs.Of(e.Err, errs.KindInvalidSignature):
			c.metrics.SignatureFailures.Inc()
		case errs.Of(e.Err, errs.KindGapFill):
			c.metrics.GapFillFailures.Inc()
		}
	}
}

// ResendSubscribe issues a historical resend against an existing
// subscription, merging with the realtime stream on arrival.
func (c *Client) ResendSubscribe(ctx context.Context, sub *Subscription, mode ResendMode, params ResendParams) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}
	return c.sub.ResendSubscribe(ctx, sub.session, mode, params, token)
}

// Unsubscribe releases sub. Equivalent to sub.Close(ctx).
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return sub.Close(ctx)
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	if c.sess == nil {
		return "", nil
	}
	return c.sess.GetSessionToken(ctx, false)
}

// cachedSessionToken is the publisher's token source: best-effort, cached,
// never blocks a publish on a fresh login round trip.
func (c *Client) cachedSessionToken() string {
	token, _ := c.sessionToken(context.Background())
	return token
}

// scheduleAutoDisconnect arms the auto-disconnect timer once no
// subscriptions remain. Publish traffic also re-arms it so an idle
// publish-only client eventually drops its connection too.
func (c *Client) scheduleAutoDisconnect() {
	if !c.cfg.AutoDisconnect || c.sub.ActiveCount() > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
	}
	c.disconnectTimer = time.AfterFunc(c.cfg.AutoDisconnectDelay, func() {
		c.conn.Disconnect()
	})
}

func (c *Client) cancelAutoDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
		c.disconnectTimer = nil
	}
}

// wireSender adapts *connection.Connection to both publisher.Sender and
// subscriber.Sender. While disconnected, frames are queued (bounded by
// maxQueue) rather than rejected outright, and flushed once the connection
// reports EventConnected. An explicit slice rather than a buffered channel:
// queued frames must survive across the repeated dial attempts of a
// disconnected period, not just one goroutine's lifetime.
type wireSender struct {
	conn     *connection.Connection
	maxQueue int

	mu    sync.Mutex
	queue [][]byte
}

func (w *wireSender) Send(payload []byte) error {
	if w.conn.State() == connection.StateConnected {
		if err := w.conn.Send(payload); err == nil {
			return nil
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= w.maxQueue {
		return errs.New(errs.KindQueueFull, "send queue full while disconnected", nil)
	}
	w.queue = append(w.queue, payload)
	return nil
}

func (w *wireSender) drain() {
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, payload := range pending {
		w.conn.Send(payload)
	}
}
