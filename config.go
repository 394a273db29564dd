// Package streamclient is a client for a publish/subscribe streaming
// network speaking a versioned WebSocket control protocol to an edge node.
// A Client binds the connection, publisher, subscriber, session and
// group-key store into one importable object: Connect, Disconnect, Publish,
// Subscribe, ResendSubscribe, Unsubscribe.
package streamclient

import (
	"time"

	"github.com/adred-codev/streamclient/internal/chain"
	"github.com/adred-codev/streamclient/internal/connection"
	"github.com/adred-codev/streamclient/internal/groupkey"
	"github.com/adred-codev/streamclient/internal/publisher"
	"github.com/adred-codev/streamclient/internal/session"
	"github.com/adred-codev/streamclient/internal/subscriber"
	"github.com/adred-codev/streamclient/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Aliases for the internal types that appear in the public API, so callers
// outside this module can name them.
type (
	// PublishOptions controls optional per-Publish behaviour.
	PublishOptions = publisher.PublishOptions
	// DecodedMessage is an in-order, decrypted message read from a
	// Subscription.
	DecodedMessage = subscriber.DecodedMessage
	// SubscriptionEvent is a lifecycle event emitted by a Subscription.
	SubscriptionEvent = subscriber.Event
	// GroupKey is a symmetric end-to-end encryption key.
	GroupKey = groupkey.GroupKey
	// ResendMode selects which historical-resend request shape to issue.
	ResendMode = subscriber.ResendMode
	// ResendParams carries the fields relevant to the chosen ResendMode.
	ResendParams = subscriber.ResendParams
	// State is the connection's lifecycle state.
	State = connection.State
)

const (
	ResendLast  = subscriber.ResendLast
	ResendFrom  = subscriber.ResendFrom
	ResendRange = subscriber.ResendRange
)

// SignatureMode controls when a message is signed or a signature is
// required on receipt. It is an alias of wire.SignaturePolicy so the
// publisher and subscriber packages, which cannot import each other or this
// root package, share the same enum.
type SignatureMode = wire.SignaturePolicy

const (
	SignatureAuto   = wire.SignaturePolicyAuto
	SignatureAlways = wire.SignaturePolicyAlways
	SignatureNever  = wire.SignaturePolicyNever
)

// Config collects every recognised client option. Build one with functional
// Options rather than constructing it directly.
type Config struct {
	URL         string
	RESTBaseURL string

	PrivateKeyHex string

	AutoConnect         bool
	AutoDisconnect      bool
	AutoDisconnectDelay time.Duration

	OrderMessages bool

	PublishWithSignature SignatureMode
	VerifySignatures     SignatureMode

	RetryResendAfter   time.Duration
	GapFillTimeout     time.Duration
	MaxPublishQueueSize int
	PropagationTimeout  time.Duration
	MaxGapRequests      int
	ResendTimeout       time.Duration
	RESTTimeout         time.Duration

	Auth session.Config

	Logger   zerolog.Logger
	Registry prometheus.Registerer

	// Dialer overrides the default ws.Dialer; tests substitute an in-memory
	// pipe here.
	Dialer connection.Dialer
}

// Option configures a Config. Construct a Client with New(opts...).
type Option func(*Config)

// WithURL sets the WebSocket control endpoint. Missing controlLayerVersion/
// messageLayerVersion/streamrClient query params are filled with defaults.
func WithURL(url string) Option { return func(c *Config) { c.URL = url } }

// WithRESTBaseURL sets the base URL of the REST API used for session
// acquisition.
func WithRESTBaseURL(url string) Option { return func(c *Config) { c.RESTBaseURL = url } }

// WithPrivateKeyHex configures the publisher identity and signer.
func WithPrivateKeyHex(hexKey string) Option {
	return func(c *Config) { c.PrivateKeyHex = hexKey }
}

// WithAPIKeyAuth configures session acquisition via a static API key rather
// than challenge/response.
func WithAPIKeyAuth(apiKey string) Option {
	return func(c *Config) { c.Auth.Mode = session.AuthModeAPIKey; c.Auth.APIKey = apiKey }
}

// WithChallengeResponseAuth configures session acquisition via the
// challenge/response flow signed with the client's private key, fetching the
// challenge at loginPath.
func WithChallengeResponseAuth(loginPath string) Option {
	return func(c *Config) { c.Auth.Mode = session.AuthModeChallengeResponse; c.Auth.LoginPath = loginPath }
}

// WithAutoConnect toggles auto-connect: publish/subscribe/resend trigger
// Connect() when Disconnected. Default true.
func WithAutoConnect(enabled bool) Option { return func(c *Config) { c.AutoConnect = enabled } }

// WithAutoDisconnect toggles auto-disconnect: the connection drops `delay`
// after a subscription is closed or a Publish completes while no subscription
// is active. Publishes still in flight on other goroutines when the timer
// fires are not waited for. Default true, delay 0 (disconnect promptly).
func WithAutoDisconnect(enabled bool, delay time.Duration) Option {
	return func(c *Config) { c.AutoDisconnect = enabled; c.AutoDisconnectDelay = delay }
}

// WithOrderMessages toggles per-chain ordering. Disabling it is accepted for
// API compatibility but this client always orders: the encryption and
// gap-fill machinery is built on top of the ordering chains.
func WithOrderMessages(enabled bool) Option { return func(c *Config) { c.OrderMessages = enabled } }

// WithPublishSignature selects when Publish signs outgoing messages.
func WithPublishSignature(mode SignatureMode) Option {
	return func(c *Config) { c.PublishWithSignature = mode }
}

// WithVerifySignatures selects when inbound messages require signature
// verification.
func WithVerifySignatures(mode SignatureMode) Option {
	return func(c *Config) { c.VerifySignatures = mode }
}

// WithMaxPublishQueueSize bounds the publisher's per-stream queue. Default
// 10000.
func WithMaxPublishQueueSize(n int) Option { return func(c *Config) { c.MaxPublishQueueSize = n } }

// WithPropagationTimeout sets the gap-fill timer. Default 5s.
func WithPropagationTimeout(d time.Duration) Option {
	return func(c *Config) { c.PropagationTimeout = d }
}

// WithMaxGapRequests bounds gap-fill retries per chain before a fatal
// GapFillError. Default 10.
func WithMaxGapRequests(n int) Option { return func(c *Config) { c.MaxGapRequests = n } }

// WithResendTimeout bounds how long Subscribe waits for the server's
// SubscribeResponse. Resend requests themselves are sent without waiting for
// a response and are not timed out.
func WithResendTimeout(d time.Duration) Option { return func(c *Config) { c.ResendTimeout = d } }

// WithLogger overrides the zerolog.Logger the Client logs to (undecodable
// inbound frames are logged at warn level).
func WithLogger(logger zerolog.Logger) Option { return func(c *Config) { c.Logger = logger } }

// WithMetricsRegistry registers the Client's Prometheus collectors against
// reg instead of a private, unregistered registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithDialer overrides the Connection's dialer. Intended for tests.
func WithDialer(d connection.Dialer) Option { return func(c *Config) { c.Dialer = d } }

func defaultConfig() Config {
	return Config{
		AutoConnect:         true,
		AutoDisconnect:      true,
		AutoDisconnectDelay: 0,
		OrderMessages:       true,
		RetryResendAfter:    5 * time.Second,
		GapFillTimeout:      chain.DefaultPropagationTimeout,
		MaxPublishQueueSize: 10000,
		PropagationTimeout:  chain.DefaultPropagationTimeout,
		MaxGapRequests:      chain.MaxGapRequests,
		ResendTimeout:       10 * time.Second,
		RESTTimeout:         10 * time.Second,
		Logger:              zerolog.Nop(),
		Registry:            prometheus.NewRegistry(),
	}
}
