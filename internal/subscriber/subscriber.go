// Package subscriber manages a client's subscriptions: one Session per
// subscribed streamId, merging the historical resend with the realtime
// broadcast and delivering messages back to the caller in strict per-chain
// order. The resend/realtime merge needs no bespoke logic: a UnicastMessage
// (resend) and a BroadcastMessage (realtime) for the same (publisherId,
// msgChainId) feed the same chain.Chain, which orders and deduplicates
// regardless of which path a message arrived by.
package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/streamclient/internal/chain"
	"github.com/adred-codev/streamclient/internal/crypto"
	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/event"
	"github.com/adred-codev/streamclient/internal/groupkey"
	"github.com/adred-codev/streamclient/internal/wire"
	"github.com/google/uuid"
)

// Sender delivers an already-framed control message to the wire.
type Sender interface {
	Send(payload []byte) error
}

// EventKind enumerates Session lifecycle events.
type EventKind int

const (
	EventSubscribed EventKind = iota
	EventUnsubscribed
	EventResending
	EventNoResend
	EventResent
	EventGapFill
	EventError
	EventGroupKeyMissing
	EventSlowConsumer
)

// Event is emitted on a Session's event Emitter.
type Event struct {
	Kind        EventKind
	Err         error
	SubID       string
	PublisherID string
}

// DecodedMessage is a StreamMessage handed back to the caller once it is
// in order and (if encrypted) decrypted.
type DecodedMessage struct {
	StreamID    string
	PublisherID string
	MsgChainID  string
	Ref         wire.MessageRef
	Content     []byte
	Raw         *wire.StreamMessage
}

// Config configures a Subscriber.
type Config struct {
	Sender        Sender
	GroupKeys     *groupkey.Store
	ClientAddress string // this client's identity, for per-(streamId, clientId) group key lookup
	ChainConfig   chain.Config
	RequestTimeout time.Duration
	// VerifySignatures selects when an inbound StreamMessage's signature is
	// checked before delivery. Auto verifies whenever a message carries one
	// and otherwise lets unsigned messages through; Always also rejects
	// unsigned messages; Never skips the check.
	VerifySignatures wire.SignaturePolicy
}

// Subscriber owns every active Session and routes inbound control messages
// to the right one.
type Subscriber struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session // keyed by streamID
	bySubID  map[string]*Session // keyed by an active resend subID
	pending  map[string]chan any // keyed by requestID, for request/response correlation
}

// New constructs a Subscriber.
func New(cfg Config) *Subscriber {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Subscriber{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		bySubID:  make(map[string]*Session),
		pending:  make(map[string]chan any),
	}
}

// Session is one subscription to one (streamId, partition), fanning
// messages out through per-(publisherId, msgChainId) ordering chains.
type Session struct {
	sub       *Subscriber
	streamID  string
	partition int

	emitter  *event.Emitter[Event]
	messages chan *DecodedMessage

	mu      sync.Mutex
	chains  map[wire.ChainKey]*chain.Chain
	subID   string // set while a resend is in flight, routes UnicastMessages here
	closed  bool

	// Messages that arrive encrypted with a key this client doesn't have yet
	// are parked per publisherId rather than dropped, and drained once the
	// application supplies the key.
	encryptedMsgsQueue map[string][]*wire.StreamMessage
	waitingForGroupKey map[string]bool
	resendTerminated   bool
	resendDoneFired    bool
}

// Events returns the session's typed event emitter.
func (s *Session) Events() *event.Emitter[Event] { return s.emitter }

// Messages returns the channel of in-order, decrypted messages. Closed once
// the session is unsubscribed.
func (s *Session) Messages() <-chan *DecodedMessage { return s.messages }

func (s *Session) chainFor(key wire.ChainKey) *chain.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[key]
	if !ok {
		c = chain.New(key.PublisherID, key.MsgChainID, s.sub.cfg.ChainConfig, s.deliver, s.onGap, s.onFatal)
		s.chains[key] = c
	}
	return c
}

func (s *Session) deliver(msg *wire.StreamMessage) {
	if err := s.verifySignature(msg); err != nil {
		// A forged or required-but-missing signature blocks delivery of this
		// message only; the chain keeps advancing.
		s.emitter.Emit(Event{Kind: EventError, Err: err})
		return
	}

	if msg.EncryptionType == wire.EncryptionNone {
		s.emitDecoded(msg, msg.Content)
		return
	}

	s.mu.Lock()
	if s.waitingForGroupKey[msg.PublisherID] {
		// Earlier messages from this publisher are already parked. Park this
		// one behind them even if its own key is known, so the publisher's
		// messages drain in arrival (MessageRef) order.
		s.encryptedMsgsQueue[msg.PublisherID] = append(s.encryptedMsgsQueue[msg.PublisherID], msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	key, ok := s.resolveKey(msg)
	if !ok {
		// Park the message rather than drop it, flag the publisher as
		// waiting, and let the application supply the key via SetGroupKeys.
		// The event lets an automatic key-exchange layer react without the
		// caller polling.
		s.mu.Lock()
		s.waitingForGroupKey[msg.PublisherID] = true
		s.encryptedMsgsQueue[msg.PublisherID] = append(s.encryptedMsgsQueue[msg.PublisherID], msg)
		s.mu.Unlock()
		s.emitter.Emit(Event{Kind: EventGroupKeyMissing, PublisherID: msg.PublisherID})
		return
	}

	s.decryptAndEmit(msg, key)
}

// resolveKey finds the key msg was encrypted under: the shared store first,
// then the message's own NewGroupKey announcement, which covers a
// publisher's very first encrypted message, sealed under the same key it
// announces.
func (s *Session) resolveKey(msg *wire.StreamMessage) (groupkey.GroupKey, bool) {
	if key, ok := s.sub.cfg.GroupKeys.Get(s.streamID, s.sub.cfg.ClientAddress, msg.GroupKeyID); ok {
		return key, true
	}
	if msg.EncryptionType == wire.EncryptionNewKeyAndAES && len(msg.NewGroupKey) > 0 &&
		crypto.GroupKeyID(msg.NewGroupKey) == msg.GroupKeyID {
		return groupkey.GroupKey{ID: msg.GroupKeyID, Bytes: msg.NewGroupKey}, true
	}
	return groupkey.GroupKey{}, false
}

// verifySignature checks msg's signature against the VerifySignatures
// policy. It runs over the message as received on the wire, before
// decryption, matching what the publisher actually signed.
func (s *Session) verifySignature(msg *wire.StreamMessage) error {
	mode := s.sub.cfg.VerifySignatures
	if mode == wire.SignaturePolicyNever {
		return nil
	}
	if msg.SignatureType == wire.SignatureNone {
		if mode == wire.SignaturePolicyAlways {
			return errs.New(errs.KindInvalidSignature, "message is unsigned", nil)
		}
		return nil
	}
	payload := crypto.CanonicalPayload(msg.StreamID, msg.Timestamp, msg.PublisherID, msg.Content)
	ok, err := crypto.Verify(payload, msg.Signature, msg.PublisherID)
	if err != nil {
		return errs.New(errs.KindInvalidSignature, "verify signature", err)
	}
	if !ok {
		return errs.New(errs.KindInvalidSignature, "signature does not match publisherId", nil)
	}
	return nil
}

// decryptAndEmit decrypts msg under key and hands it to the caller. If msg
// announces a rotated-in successor key (NEW_KEY_AND_AES), its raw bytes are
// extracted, assigned a deterministic id, and inserted into the store as the
// new current key.
func (s *Session) decryptAndEmit(msg *wire.StreamMessage, key groupkey.GroupKey) {
	plaintext, err := crypto.DecryptAESGCM(key.Bytes, msg.Content)
	if err != nil {
		// Decryption failure is per-message and non-fatal; the chain keeps
		// delivering subsequent messages.
		s.emitter.Emit(Event{Kind: EventError, Err: errs.New(errs.KindDecryption, "decrypt stream message", err)})
		return
	}
	if msg.EncryptionType == wire.EncryptionNewKeyAndAES && len(msg.NewGroupKey) > 0 {
		newKey := groupkey.GroupKey{ID: crypto.GroupKeyID(msg.NewGroupKey), Bytes: msg.NewGroupKey}
		s.sub.cfg.GroupKeys.SetCurrent(s.streamID, s.sub.cfg.ClientAddress, newKey)
	}
	s.emitDecoded(msg, plaintext)
}

func (s *Session) emitDecoded(msg *wire.StreamMessage, content []byte) {
	select {
	case s.messages <- &DecodedMessage{
		StreamID:    msg.StreamID,
		PublisherID: msg.PublisherID,
		MsgChainID:  msg.MsgChainID,
		Ref:         msg.Ref(),
		Content:     content,
		Raw:         msg,
	}:
	default:
		// Slow consumer: drop rather than block the chain's delivery path
		// indefinitely. A client library cannot disconnect its own caller,
		// so it drops, tells the application, and keeps delivering.
		s.emitter.Emit(Event{Kind: EventSlowConsumer, PublisherID: msg.PublisherID})
	}
}

// SetGroupKeys supplies the keys a publisher was missing: every key is
// installed in the shared group-key store, then every message parked for
// publisherID is drained through the normal in-order decrypt path, in the
// order it originally arrived. If the session's resend had already
// terminated, draining the last parked message completes the resend.
func (s *Session) SetGroupKeys(publisherID string, keys []groupkey.GroupKey) {
	for _, k := range keys {
		s.sub.cfg.GroupKeys.Set(s.streamID, s.sub.cfg.ClientAddress, k)
	}

	for {
		s.mu.Lock()
		parked := s.encryptedMsgsQueue[publisherID]
		delete(s.encryptedMsgsQueue, publisherID)
		if len(parked) == 0 {
			delete(s.waitingForGroupKey, publisherID)
			s.mu.Unlock()
			break
		}
		// Keep the waiting flag set while draining so messages arriving
		// concurrently park behind this batch instead of overtaking it.
		s.waitingForGroupKey[publisherID] = true
		s.mu.Unlock()

		stalled := false
		for i, msg := range parked {
			key, ok := s.resolveKey(msg)
			if !ok {
				// Still missing (a different key than the ones just
				// supplied): re-park this message and everything behind it,
				// ahead of anything that arrived during the drain.
				s.mu.Lock()
				s.encryptedMsgsQueue[publisherID] = append(parked[i:], s.encryptedMsgsQueue[publisherID]...)
				s.mu.Unlock()
				stalled = true
				break
			}
			s.decryptAndEmit(msg, key)
		}
		if stalled {
			break
		}
	}

	s.maybeFireResendDone()
}

// ResendDone reports whether this session's historical resend has fully
// drained: both the server-side resend stream terminated and every message
// that was parked awaiting a group key has been delivered.
func (s *Session) ResendDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resendTerminated && len(s.waitingForGroupKey) == 0
}

func (s *Session) maybeFireResendDone() {
	s.mu.Lock()
	ready := s.resendTerminated && len(s.waitingForGroupKey) == 0 && !s.resendDoneFired
	if ready {
		s.resendDoneFired = true
	}
	s.mu.Unlock()
	if ready {
		s.emitter.Emit(Event{Kind: EventResent})
	}
}

func (s *Session) onGap(from, to wire.MessageRef, publisherID, msgChainID string) {
	s.emitter.Emit(Event{Kind: EventGapFill})
	req := &wire.ResendRangeRequest{
		RequestID:   uuid.NewString(),
		StreamID:    s.streamID,
		StreamPartition: s.partition,
		SubID:       uuid.NewString(),
		FromMsgRef:  from,
		ToMsgRef:    to,
		PublisherID: publisherID,
		MsgChainID:  msgChainID,
	}
	payload, err := req.MarshalJSON()
	if err != nil {
		return
	}
	s.sub.cfg.Sender.Send(payload)
}

func (s *Session) onFatal(err *errs.Error) {
	s.emitter.Emit(Event{Kind: EventError, Err: err})
}

// Subscribe sends a SubscribeRequest and, on success, returns a live
// Session.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, partition int, sessionToken string) (*Session, error) {
	requestID := uuid.NewString()
	req := &wire.SubscribeRequest{RequestID: requestID, StreamID: streamID, StreamPartition: partition, SessionToken: sessionToken}
	payload, err := req.MarshalJSON()
	if err != nil {
		return nil, errs.New(errs.KindInvalidJSON, "marshal subscribe request", err)
	}

	ch := s.registerPending(requestID)
	defer s.unregisterPending(requestID)

	if err := s.cfg.Sender.Send(payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if errResp, ok := resp.(*wire.ErrorResponse); ok {
			return nil, errs.New(errs.KindConnection, errResp.ErrorMessage, nil)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.RequestTimeout):
		return nil, errs.New(errs.KindConnection, "subscribe request timed out", nil)
	}

	session := &Session{
		sub:                s,
		streamID:           streamID,
		partition:          partition,
		emitter:            event.NewEmitter[Event](),
		messages:           make(chan *DecodedMessage, 1024),
		chains:             make(map[wire.ChainKey]*chain.Chain),
		encryptedMsgsQueue: make(map[string][]*wire.StreamMessage),
		waitingForGroupKey: make(map[string]bool),
	}
	s.mu.Lock()
	s.sessions[streamID] = session
	s.mu.Unlock()
	session.emitter.Emit(Event{Kind: EventSubscribed})
	return session, nil
}

// ResendMode selects which resend request shape ResendSubscribe issues.
type ResendMode int

const (
	ResendLast ResendMode = iota
	ResendFrom
	ResendRange
)

// ResendParams carries the fields relevant to the chosen ResendMode.
type ResendParams struct {
	NumberLast  int
	FromMsgRef  wire.MessageRef
	ToMsgRef    wire.MessageRef
	PublisherID string
	MsgChainID  string
}

// ResendSubscribe issues a resend request on session and associates
// incoming UnicastMessages with it until the server reports completion.
// EventResent follows asynchronously on the session's emitter when the
// historical replay finishes and any key-parked messages have drained.
func (s *Subscriber) ResendSubscribe(ctx context.Context, session *Session, mode ResendMode, params ResendParams, sessionToken string) error {
	subID := uuid.NewString()

	var payload []byte
	var err error
	switch mode {
	case ResendLast:
		req := &wire.ResendLastRequest{RequestID: uuid.NewString(), StreamID: session.streamID, StreamPartition: session.partition, SubID: subID, NumberLast: params.NumberLast, SessionToken: sessionToken}
		payload, err = req.MarshalJSON()
	case ResendFrom:
		req := &wire.ResendFromRequest{RequestID: uuid.NewString(), StreamID: session.streamID, StreamPartition: session.partition, SubID: subID, FromMsgRef: params.FromMsgRef, PublisherID: params.PublisherID, SessionToken: sessionToken}
		payload, err = req.MarshalJSON()
	case ResendRange:
		req := &wire.ResendRangeRequest{RequestID: uuid.NewString(), StreamID: session.streamID, StreamPartition: session.partition, SubID: subID, FromMsgRef: params.FromMsgRef, ToMsgRef: params.ToMsgRef, PublisherID: params.PublisherID, MsgChainID: params.MsgChainID, SessionToken: sessionToken}
		payload, err = req.MarshalJSON()
	default:
		return fmt.Errorf("subscriber: unknown resend mode %d", mode)
	}
	if err != nil {
		return errs.New(errs.KindInvalidJSON, "marshal resend request", err)
	}

	session.mu.Lock()
	session.subID = subID
	session.mu.Unlock()
	s.mu.Lock()
	s.bySubID[subID] = session
	s.mu.Unlock()

	return s.cfg.Sender.Send(payload)
}

// ResubscribeAll re-issues a SubscribeRequest for every session that is
// still live, without waiting for the response or re-registering a pending
// request. Called by the owning client on reconnect; sessions closed by
// Unsubscribe before the reconnect are already absent from s.sessions and
// so are correctly skipped.
func (s *Subscriber) ResubscribeAll(sessionToken string) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		req := &wire.SubscribeRequest{RequestID: uuid.NewString(), StreamID: sess.streamID, StreamPartition: sess.partition, SessionToken: sessionToken}
		payload, err := req.MarshalJSON()
		if err != nil {
			continue
		}
		s.cfg.Sender.Send(payload)
	}
}

// Unsubscribe sends an UnsubscribeRequest, stops every chain on session
// (cancelling any outstanding gap timers), and closes its message channel.
func (s *Subscriber) Unsubscribe(ctx context.Context, session *Session) error {
	req := &wire.UnsubscribeRequest{RequestID: uuid.NewString(), StreamID: session.streamID, StreamPartition: session.partition}
	payload, err := req.MarshalJSON()
	if err != nil {
		return errs.New(errs.KindInvalidJSON, "marshal unsubscribe request", err)
	}
	if err := s.cfg.Sender.Send(payload); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, session.streamID)
	if session.subID != "" {
		delete(s.bySubID, session.subID)
	}
	s.mu.Unlock()

	session.mu.Lock()
	for _, c := range session.chains {
		c.Stop()
	}
	if !session.closed {
		close(session.messages)
		session.closed = true
	}
	session.mu.Unlock()

	session.emitter.Emit(Event{Kind: EventUnsubscribed})
	return nil
}

// ActiveCount reports how many streams currently have a live Session. The
// client facade uses it to decide when auto-disconnect may fire.
func (s *Subscriber) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Subscriber) registerPending(requestID string) chan any {
	ch := make(chan any, 1)
	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Subscriber) unregisterPending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// HandleMessage decodes an inbound control-message frame and routes it to
// the owning Session. It is the Subscriber's half of Connection's
// onMessage callback.
func (s *Subscriber) HandleMessage(data []byte) error {
	decoded, err := wire.Decode(data)
	if err != nil {
		return err
	}

	switch m := decoded.(type) {
	case *wire.BroadcastMessage:
		s.routeStreamMessage(m.StreamMessage)
	case *wire.UnicastMessage:
		s.routeUnicast(m)
	case *wire.SubscribeResponse:
		s.resolvePending(m.RequestID, m)
	case *wire.UnsubscribeResponse:
		s.resolvePending(m.RequestID, m)
	case *wire.ErrorResponse:
		s.resolvePending(m.RequestID, m)
	case *wire.ResendResponse:
		s.routeResendResponse(m)
	}
	return nil
}

func (s *Subscriber) routeStreamMessage(msg *wire.StreamMessage) {
	s.mu.Lock()
	session, ok := s.sessions[msg.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	key := wire.ChainKey{PublisherID: msg.PublisherID, MsgChainID: msg.MsgChainID}
	session.chainFor(key).Add(msg)
}

func (s *Subscriber) routeUnicast(m *wire.UnicastMessage) {
	s.mu.Lock()
	session, ok := s.bySubID[m.SubID]
	s.mu.Unlock()
	if !ok {
		return
	}
	key := wire.ChainKey{PublisherID: m.StreamMessage.PublisherID, MsgChainID: m.StreamMessage.MsgChainID}
	session.chainFor(key).Add(m.StreamMessage)
}

func (s *Subscriber) routeResendResponse(m *wire.ResendResponse) {
	s.mu.Lock()
	session, ok := s.bySubID[m.SubID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch m.Kind {
	case wire.TypeResendResponseResending:
		session.emitter.Emit(Event{Kind: EventResending, SubID: m.SubID})
	case wire.TypeResendResponseNoResend:
		session.mu.Lock()
		session.resendTerminated = true
		session.mu.Unlock()
		session.emitter.Emit(Event{Kind: EventNoResend, SubID: m.SubID})
		session.maybeFireResendDone()
		s.mu.Lock()
		delete(s.bySubID, m.SubID)
		s.mu.Unlock()
	case wire.TypeResendResponseResent:
		session.mu.Lock()
		session.resendTerminated = true
		session.mu.Unlock()
		session.maybeFireResendDone()
		s.mu.Lock()
		delete(s.bySubID, m.SubID)
		s.mu.Unlock()
	}
}

func (s *Subscriber) resolvePending(requestID string, msg any) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
