package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/streamclient/internal/crypto"
	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/groupkey"
	"github.com/adred-codev/streamclient/internal/wire"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, payload)
	return nil
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.out))
	copy(out, f.out)
	return out
}

func TestPublishStampsAndSigns(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender})
	require.NoError(t, err)

	msg, err := pub.Publish(context.Background(), "stream-1", []byte(`{"hello":"world"}`), PublishOptions{MsgChainID: "chain-1"})
	require.NoError(t, err)
	require.Equal(t, uint32(0), msg.SequenceNumber)
	require.Equal(t, pub.Address(), msg.PublisherID)
	require.Nil(t, msg.PrevMsgRef)
	require.NotEmpty(t, msg.Signature)

	payload := crypto.CanonicalPayload("stream-1", msg.Timestamp, pub.Address(), msg.Content)
	ok, err := crypto.Verify(payload, msg.Signature, pub.Address())
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, sender.sent(), 1)
}

func TestPublishSequenceIncrementsPerChain(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender})
	require.NoError(t, err)

	const ts = uint64(1700000000000)
	msg1, err := pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "chain-1", Timestamp: ts})
	require.NoError(t, err)
	msg2, err := pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "chain-1", Timestamp: ts})
	require.NoError(t, err)

	require.Equal(t, uint32(0), msg1.SequenceNumber)
	require.Equal(t, uint32(1), msg2.SequenceNumber)
	require.NotNil(t, msg2.PrevMsgRef)
	require.Equal(t, msg1.Ref(), *msg2.PrevMsgRef)
}

// TestPublishSequenceResetsOnNewTimestamp: timestamps ts, ts, ts+1, ts+1
// must yield MessageRefs (ts,0), (ts,1), (ts+1,0), (ts+1,1) with a
// prevMsgRef chain [nil, (ts,0), (ts,1), (ts+1,0)].
func TestPublishSequenceResetsOnNewTimestamp(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender})
	require.NoError(t, err)

	const ts = uint64(1700000000000)
	timestamps := []uint64{ts, ts, ts + 1, ts + 1}
	wantRefs := []wireRef{{ts, 0}, {ts, 1}, {ts + 1, 0}, {ts + 1, 1}}

	var msgs []*wire.StreamMessage
	for _, stamp := range timestamps {
		msg, err := pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "chain-1", Timestamp: stamp})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	for i, want := range wantRefs {
		require.Equal(t, want.ts, msgs[i].Timestamp, "message %d timestamp", i)
		require.Equal(t, want.seq, msgs[i].SequenceNumber, "message %d sequence", i)
	}
	require.Nil(t, msgs[0].PrevMsgRef)
	for i := 1; i < len(msgs); i++ {
		require.NotNil(t, msgs[i].PrevMsgRef)
		require.Equal(t, msgs[i-1].Ref(), *msgs[i].PrevMsgRef, "message %d prevMsgRef", i)
	}
}

type wireRef struct {
	ts  uint64
	seq uint32
}

// TestConcurrentPublishesSameTimestampAreContiguous: N racing Publish calls
// sharing one external timestamp must produce the full contiguous sequence
// (ts,0)..(ts,N-1), each sequence number exactly once, no matter how the
// goroutines interleave.
func TestConcurrentPublishesSameTimestampAreContiguous(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender})
	require.NoError(t, err)

	const n = 16
	const ts = uint64(1700000000000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var refs []wire.MessageRef
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "chain-1", Timestamp: ts})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			refs = append(refs, msg.Ref())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, refs, n)
	seen := make(map[uint32]bool, n)
	for _, r := range refs {
		require.Equal(t, ts, r.Timestamp)
		require.False(t, seen[r.SequenceNumber], "sequence %d assigned twice", r.SequenceNumber)
		require.Less(t, r.SequenceNumber, uint32(n))
		seen[r.SequenceNumber] = true
	}
}

func TestPublishEncryptsAndMintsGroupKeyOnFirstUse(t *testing.T) {
	sender := &fakeSender{}
	store := groupkey.NewStore()
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender, GroupKeys: store})
	require.NoError(t, err)

	msg, err := pub.Publish(context.Background(), "stream-1", []byte(`{"x":1}`), PublishOptions{MsgChainID: "chain-1", Encrypt: true})
	require.NoError(t, err)
	require.NotEmpty(t, msg.GroupKeyID)
	require.NotEqual(t, `{"x":1}`, string(msg.Content))

	key, ok := store.Current("stream-1", pub.Address())
	require.True(t, ok)
	require.Equal(t, msg.GroupKeyID, key.ID)

	plaintext, err := crypto.DecryptAESGCM(key.Bytes, msg.Content)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(plaintext))
}

// TestRotateGroupKeyAnnouncesNewKeyWithoutExposingItAsGroupKeyID: the
// message that carries the rotation must stay encrypted (and stamp
// GroupKeyID) under the outgoing key, announce the incoming key's distinct
// bytes in NewGroupKey, and only promote the store's current key once that
// message is built.
func TestRotateGroupKeyAnnouncesNewKeyWithoutExposingItAsGroupKeyID(t *testing.T) {
	sender := &fakeSender{}
	store := groupkey.NewStore()
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender, GroupKeys: store})
	require.NoError(t, err)

	first, err := pub.Publish(context.Background(), "stream-1", []byte(`{"n":1}`), PublishOptions{MsgChainID: "chain-1", Encrypt: true})
	require.NoError(t, err)
	oldKeyID := first.GroupKeyID

	rotated, err := pub.RotateGroupKey("stream-1")
	require.NoError(t, err)
	require.NotEqual(t, oldKeyID, rotated.ID)

	// store.Next is staged but not yet current.
	next, ok := store.Next("stream-1", pub.Address())
	require.True(t, ok)
	require.Equal(t, rotated.ID, next.ID)
	current, ok := store.Current("stream-1", pub.Address())
	require.True(t, ok)
	require.Equal(t, oldKeyID, current.ID)

	handoff, err := pub.Publish(context.Background(), "stream-1", []byte(`{"n":2}`), PublishOptions{MsgChainID: "chain-1", Encrypt: true})
	require.NoError(t, err)

	// The handoff message is still encrypted under, and stamped with, the
	// OLD key, not the new one.
	require.Equal(t, oldKeyID, handoff.GroupKeyID)
	require.NotEqual(t, handoff.GroupKeyID, rotated.ID)
	oldKey, ok := store.Get("stream-1", pub.Address(), oldKeyID)
	require.True(t, ok)
	plaintext, err := crypto.DecryptAESGCM(oldKey.Bytes, handoff.Content)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(plaintext))

	// NewGroupKey carries the distinct successor key's bytes, not the same
	// bytes used to encrypt this message's content.
	require.Equal(t, rotated.Bytes, handoff.NewGroupKey)
	require.NotEqual(t, oldKey.Bytes, handoff.NewGroupKey)

	// Promotion has now happened: store.Current is the rotated key, and
	// store.Next is cleared.
	current, ok = store.Current("stream-1", pub.Address())
	require.True(t, ok)
	require.Equal(t, rotated.ID, current.ID)
	_, ok = store.Next("stream-1", pub.Address())
	require.False(t, ok)

	// A subsequent publish encrypts under the now-current rotated key.
	after, err := pub.Publish(context.Background(), "stream-1", []byte(`{"n":3}`), PublishOptions{MsgChainID: "chain-1", Encrypt: true})
	require.NoError(t, err)
	require.Equal(t, rotated.ID, after.GroupKeyID)
	plaintext, err = crypto.DecryptAESGCM(rotated.Bytes, after.Content)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":3}`, string(plaintext))
}

func TestPublishNeverSignatureOmitsSignature(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender, SignaturePolicy: wire.SignaturePolicyNever})
	require.NoError(t, err)

	msg, err := pub.Publish(context.Background(), "stream-1", []byte(`{}`), PublishOptions{MsgChainID: "chain-1"})
	require.NoError(t, err)
	require.Empty(t, msg.Signature)
	require.Equal(t, wire.SignatureNone, msg.SignatureType)
}

func TestPublishQueueFullReturnsQueueFullError(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	sender := blockingSender{blocked: blocked, release: release}

	pub, err := New(Config{PrivateKeyHex: testPrivateKey, Sender: sender, MaxQueueSize: 1})
	require.NoError(t, err)

	// First publish occupies the single worker goroutine (blocked on send).
	go pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "c1"})
	<-blocked

	// Second publish fills the (size-1) queue slot's buffered channel; the
	// work func for the first call is already running, so the channel has
	// room for exactly one more before Publish reports QueueFull.
	go pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "c1"})
	time.Sleep(20 * time.Millisecond) // let the second publish's enqueue land first

	_, err = pub.Publish(context.Background(), "stream-1", []byte("{}"), PublishOptions{MsgChainID: "c1"})
	require.True(t, errs.Of(err, errs.KindQueueFull))

	close(release)
}

type blockingSender struct {
	blocked chan struct{}
	release chan struct{}
}

func (b blockingSender) Send(payload []byte) error {
	select {
	case <-b.blocked:
	default:
		close(b.blocked)
	}
	<-b.release
	return nil
}

func TestPublishSendsPublishRequestFrame(t *testing.T) {
	sender := &fakeSender{}
	pub, err := New(Config{
		PrivateKeyHex: testPrivateKey,
		Sender:        sender,
		SessionToken:  func() string { return "tok-1" },
	})
	require.NoError(t, err)

	msg, err := pub.Publish(context.Background(), "stream-1", []byte(`{}`), PublishOptions{MsgChainID: "chain-1"})
	require.NoError(t, err)

	decodedAny, err := wire.Decode(sender.sent()[0])
	require.NoError(t, err)
	req, ok := decodedAny.(*wire.PublishRequest)
	require.True(t, ok)
	require.NotEmpty(t, req.RequestID)
	require.Equal(t, "tok-1", req.SessionToken)
	require.Equal(t, msg.Ref(), req.StreamMessage.Ref())
	require.Equal(t, "stream-1", req.StreamMessage.StreamID)
}
