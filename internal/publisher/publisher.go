// Package publisher stamps, optionally encrypts, signs and sends
// StreamMessages. Every stream gets its own FIFO worker goroutine, so
// concurrent Publish calls to the same stream observe their submission order
// in the produced MessageRefs, and a bounded queue rejects callers with
// errs.KindQueueFull once the worker falls too far behind.
package publisher

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/streamclient/internal/crypto"
	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/groupkey"
	"github.com/adred-codev/streamclient/internal/wire"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// partitionFromKey hashes key with Keccak256 and reduces it mod count, so
// every client derives the same partition for a given partitionKey.
func partitionFromKey(key string, count int) int {
	sum := ethcrypto.Keccak256([]byte(key))
	var v uint32
	for _, b := range sum[:4] {
		v = v<<8 | uint32(b)
	}
	return int(v % uint32(count))
}

// DefaultMaxQueueSize bounds the number of pending publishes per stream
// before Publish starts returning errs.KindQueueFull.
const DefaultMaxQueueSize = 10000

// Sender delivers an already-framed control message to the wire. Publisher
// depends on this rather than *connection.Connection directly so tests can
// substitute a recorder.
type Sender interface {
	Send(payload []byte) error
}

// streamState is the FIFO critical section and queue for one streamId.
type streamState struct {
	mu      sync.Mutex
	queue   chan func()
	lastRef map[wire.ChainKey]wire.MessageRef
}

// Config configures a Publisher.
type Config struct {
	PrivateKeyHex string
	GroupKeys     *groupkey.Store
	Sender        Sender
	MaxQueueSize  int
	// RateLimit, if non-zero, paces outgoing publishes (messages/sec) with a
	// token bucket.
	RateLimit rate.Limit
	// SignaturePolicy selects when Publish signs outgoing messages. Auto and
	// Always both sign here: a Publisher only exists once a private key is
	// configured, so "auto" always has the credentials a signature needs.
	SignaturePolicy wire.SignaturePolicy
	// SessionToken, when set, is called once per publish to stamp the
	// outgoing PublishRequest.
	SessionToken func() string
}

// Publisher owns the publish path for every stream a client writes to.
type Publisher struct {
	cfg     Config
	address string
	limiter *rate.Limiter

	mu      sync.Mutex
	streams map[string]*streamState
}

// New constructs a Publisher. privateKey is parsed eagerly so construction
// fails fast on a malformed key rather than on first Publish.
func New(cfg Config) (*Publisher, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	key, err := crypto.ParsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1)
	}

	p := &Publisher{
		cfg:     cfg,
		address: crypto.AddressFromPrivateKey(key),
		limiter: limiter,
		streams: make(map[string]*streamState),
	}
	return p, nil
}

// PublishOptions controls optional per-call behaviour.
type PublishOptions struct {
	MsgChainID     string // defaults to a fresh UUID per stream if empty
	Partition      int
	PartitionKey   string // if set and Partition is zero-valued, hashed mod PartitionCount to pick a partition
	PartitionCount int
	Encrypt        bool
	Timestamp      uint64 // caller-supplied ms timestamp; 0 means use wall-clock
}

func (p *Publisher) streamFor(streamID string) *streamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[streamID]
	if !ok {
		s = &streamState{
			queue:   make(chan func(), p.cfg.MaxQueueSize),
			lastRef: make(map[wire.ChainKey]wire.MessageRef),
		}
		p.streams[streamID] = s
		go s.run()
	}
	return s
}

func (s *streamState) run() {
	for fn := range s.queue {
		fn()
	}
}

// Publish stamps, signs, optionally encrypts, and sends content on
// streamID. It enqueues the work onto that stream's FIFO critical section
// and blocks the caller until the send completes or ctx is cancelled. A full
// queue fails fast with errs.KindQueueFull rather than blocking.
func (p *Publisher) Publish(ctx context.Context, streamID string, content []byte, opts PublishOptions) (*wire.StreamMessage, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, errs.New(errs.KindConnection, "rate limiter wait", err)
		}
	}

	key, err := crypto.ParsePrivateKey(p.cfg.PrivateKeyHex)
	if err != nil {
		return nil, errs.New(errs.KindAuth, "parse private key", err)
	}

	msgChainID := opts.MsgChainID
	if msgChainID == "" {
		msgChainID = uuid.NewString()
	}

	s := p.streamFor(streamID)

	type result struct {
		msg *wire.StreamMessage
		err error
	}
	done := make(chan result, 1)

	work := func() {
		msg, err := p.build(streamID, msgChainID, opts, content, key, s)
		if err != nil {
			done <- result{err: err}
			return
		}
		req := &wire.PublishRequest{RequestID: uuid.NewString(), StreamMessage: msg}
		if p.cfg.SessionToken != nil {
			req.SessionToken = p.cfg.SessionToken()
		}
		payload, err := req.MarshalJSON()
		if err != nil {
			done <- result{err: errs.New(errs.KindInvalidJSON, "marshal publish request", err)}
			return
		}
		if err := p.cfg.Sender.Send(payload); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{msg: msg}
	}

	select {
	case s.queue <- work:
	default:
		return nil, errs.New(errs.KindQueueFull, fmt.Sprintf("publish queue full for stream %q", streamID), nil)
	}

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// build performs the FIFO-critical-section work: timestamp/sequence
// stamping, partitioning, encryption, and signing. It is only ever called
// from the owning stream's single worker goroutine, so lastRef and key
// rotation are observed in submission order.
func (p *Publisher) build(streamID, msgChainID string, opts PublishOptions, content []byte, key *ecdsa.PrivateKey, s *streamState) (*wire.StreamMessage, error) {
	chainKey := wire.ChainKey{PublisherID: p.address, MsgChainID: msgChainID}

	s.mu.Lock()
	last, hasLast := s.lastRef[chainKey]
	s.mu.Unlock()

	timestamp := opts.Timestamp
	if timestamp == 0 {
		timestamp = uint64(time.Now().UnixMilli())
	}
	if hasLast && timestamp < last.Timestamp {
		// The timestamp never decreases within a chain.
		timestamp = last.Timestamp
	}

	// Same timestamp as the chain head increments the prior sequence number;
	// a new timestamp resets it to 0.
	var seq uint32
	if hasLast && timestamp == last.Timestamp {
		seq = last.SequenceNumber + 1
	} else {
		seq = 0
	}

	partition := opts.Partition
	if partition == 0 && opts.PartitionKey != "" && opts.PartitionCount > 0 {
		partition = partitionFromKey(opts.PartitionKey, opts.PartitionCount)
	}

	msg := &wire.StreamMessage{
		StreamID:       streamID,
		Partition:      partition,
		Timestamp:      timestamp,
		SequenceNumber: seq,
		PublisherID:    p.address,
		MsgChainID:     msgChainID,
		ContentType:    wire.ContentTypeJSON,
		EncryptionType: wire.EncryptionNone,
		Content:        content,
		SignatureType:  wire.SignatureNone,
	}

	if hasLast {
		prev := last
		msg.PrevMsgRef = &prev
	}

	s.mu.Lock()
	s.lastRef[chainKey] = msg.Ref()
	s.mu.Unlock()

	if opts.Encrypt && p.cfg.GroupKeys != nil {
		if err := p.encrypt(streamID, msg); err != nil {
			return nil, err
		}
	}

	if p.cfg.SignaturePolicy != wire.SignaturePolicyNever {
		payload := crypto.CanonicalPayload(streamID, msg.Timestamp, p.address, msg.Content)
		sig, err := crypto.Sign(payload, key)
		if err != nil {
			return nil, errs.New(errs.KindAuth, "sign publish payload", err)
		}
		msg.Signature = sig
		msg.SignatureType = wire.SignatureETH
	}

	return msg, nil
}

// encrypt fills in msg.Content/GroupKeyID/EncryptionType/NewGroupKey.
// Content is always encrypted under the outgoing (current) key, so old and
// new key are never the same value on the wire. If a successor key is
// staged, its raw bytes are announced in NewGroupKey alongside this message,
// and the promotion from next to current happens only after the message is
// fully built, so a publish queued behind this one cannot observe the new
// key before it has been announced.
func (p *Publisher) encrypt(streamID string, msg *wire.StreamMessage) error {
	store := p.cfg.GroupKeys

	key, hasCurrent := store.Current(streamID, p.address)
	if !hasCurrent {
		fresh, err := crypto.GenerateGroupKey()
		if err != nil {
			return errs.New(errs.KindConnection, "generate group key", err)
		}
		key = groupkey.GroupKey{ID: crypto.GroupKeyID(fresh), Bytes: fresh}
		store.SetCurrent(streamID, p.address, key)
		msg.EncryptionType = wire.EncryptionNewKeyAndAES
		msg.NewGroupKey = fresh
	} else if next, ok := store.Next(streamID, p.address); ok {
		msg.EncryptionType = wire.EncryptionNewKeyAndAES
		msg.NewGroupKey = next.Bytes
	} else {
		msg.EncryptionType = wire.EncryptionAES
	}

	sealed, err := crypto.EncryptAESGCM(key.Bytes, msg.Content)
	if err != nil {
		return errs.New(errs.KindDecryption, "encrypt content", err)
	}
	msg.Content = sealed
	msg.GroupKeyID = key.ID

	if hasCurrent && msg.EncryptionType == wire.EncryptionNewKeyAndAES {
		if _, err := store.RotateNext(streamID, p.address); err != nil {
			return errs.New(errs.KindConnection, "rotate group key", err)
		}
	}
	return nil
}

// RotateGroupKey stages a freshly generated group key to take effect on the
// next publish to streamID.
func (p *Publisher) RotateGroupKey(streamID string) (groupkey.GroupKey, error) {
	fresh, err := crypto.GenerateGroupKey()
	if err != nil {
		return groupkey.GroupKey{}, errs.New(errs.KindConnection, "generate group key", err)
	}
	key := groupkey.GroupKey{ID: crypto.GroupKeyID(fresh), Bytes: fresh}
	p.cfg.GroupKeys.SetNext(streamID, p.address, key)
	return key, nil
}

// Address returns the publisher's derived Ethereum-style address, used as
// its publisherId on the wire.
func (p *Publisher) Address() string { return p.address }
