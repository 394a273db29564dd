package chain

import (
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/wire"
	"github.com/stretchr/testify/require"
)

func ref(ts uint64, seq uint32) wire.MessageRef {
	return wire.MessageRef{Timestamp: ts, SequenceNumber: seq}
}

func msg(ts uint64, seq uint32, prev *wire.MessageRef) *wire.StreamMessage {
	return &wire.StreamMessage{
		StreamID: "s", PublisherID: "pub1", MsgChainID: "chain1",
		Timestamp: ts, SequenceNumber: seq, PrevMsgRef: prev,
		Content: []byte("{}"),
	}
}

type recorder struct {
	mu        sync.Mutex
	delivered []wire.MessageRef
}

func (r *recorder) deliver(m *wire.StreamMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, m.Ref())
}

func (r *recorder) refs() []wire.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.MessageRef, len(r.delivered))
	copy(out, r.delivered)
	return out
}

func TestChainInOrderDelivery(t *testing.T) {
	rec := &recorder{}
	c := New("pub1", "chain1", Config{}, rec.deliver, nil, nil)

	r0 := ref(100, 0)
	c.Add(msg(100, 0, nil))
	c.Add(msg(100, 1, &r0))

	require.Equal(t, []wire.MessageRef{ref(100, 0), ref(100, 1)}, rec.refs())
}

func TestChainOutOfOrderBuffering(t *testing.T) {
	rec := &recorder{}
	c := New("pub1", "chain1", Config{}, rec.deliver, nil, nil)

	r0 := ref(100, 0)
	r1 := ref(100, 1)
	// Deliver message 2 before message 1; it should buffer until 1 arrives.
	c.Add(msg(100, 2, &r1))
	require.Empty(t, rec.refs())

	c.Add(msg(100, 0, nil))
	c.Add(msg(100, 1, &r0))

	require.Equal(t, []wire.MessageRef{ref(100, 0), ref(100, 1), ref(100, 2)}, rec.refs())
}

func TestChainDuplicateSuppression(t *testing.T) {
	rec := &recorder{}
	c := New("pub1", "chain1", Config{}, rec.deliver, nil, nil)

	c.Add(msg(100, 0, nil))
	c.Add(msg(100, 0, nil)) // duplicate
	r0 := ref(100, 0)
	c.Add(msg(100, 1, &r0))
	c.Add(msg(100, 0, nil)) // duplicate after advancing

	require.Equal(t, []wire.MessageRef{ref(100, 0), ref(100, 1)}, rec.refs())
}

func TestChainGapFillBudgetExhaustion(t *testing.T) {
	var gapMu sync.Mutex
	var gapCalls []struct{ from, to wire.MessageRef }
	fatalCh := make(chan *errs.Error, 1)

	c := New("pub1", "chain1", Config{PropagationTimeout: 10 * time.Millisecond, MaxGapRequests: 3},
		func(*wire.StreamMessage) {},
		func(from, to wire.MessageRef, publisherID, msgChainID string) {
			gapMu.Lock()
			gapCalls = append(gapCalls, struct{ from, to wire.MessageRef }{from, to})
			gapMu.Unlock()
		},
		func(err *errs.Error) {
			fatalCh <- err
		},
	)

	r4 := ref(4, 7)
	c.Add(msg(1, 0, nil))
	r1 := ref(1, 0)
	c.Add(msg(2, 0, &r1))
	// (5,0)'s prevMsgRef is (4,7): a gap between (2,0) and (4,7).
	c.Add(msg(5, 0, &r4))

	var fatal *errs.Error
	select {
	case fatal = <-fatalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GapFillError")
	}

	require.True(t, errs.Of(fatal, errs.KindGapFill))

	gapMu.Lock()
	defer gapMu.Unlock()
	require.Len(t, gapCalls, 3)
	for _, call := range gapCalls {
		require.Equal(t, ref(2, 1), call.from)
		require.Equal(t, r4, call.to)
	}
}

func TestChainGapClosesBeforeExhaustion(t *testing.T) {
	rec := &recorder{}
	var gapCount int
	var mu sync.Mutex

	c := New("pub1", "chain1", Config{PropagationTimeout: 20 * time.Millisecond, MaxGapRequests: 10},
		rec.deliver,
		func(from, to wire.MessageRef, publisherID, msgChainID string) {
			mu.Lock()
			gapCount++
			mu.Unlock()
		},
		func(err *errs.Error) { t.Fatalf("unexpected fatal: %v", err) },
	)

	r1 := ref(1, 0)
	r2 := ref(2, 0)
	c.Add(msg(1, 0, nil))
	// (3,0) arrives before (2,0): a gap opens in front of it.
	c.Add(msg(3, 0, &r2))
	require.Equal(t, []wire.MessageRef{ref(1, 0)}, rec.refs())
	// (2,0) closes the gap before the first gap-fill timer fires.
	c.Add(msg(2, 0, &r1))

	time.Sleep(50 * time.Millisecond) // let a gap timer fire if one was left armed

	require.Equal(t, []wire.MessageRef{ref(1, 0), ref(2, 0), ref(3, 0)}, rec.refs())
	mu.Lock()
	require.Zero(t, gapCount)
	mu.Unlock()
}

func TestChainStopCancelsTimer(t *testing.T) {
	fatalCalled := make(chan struct{}, 1)
	c := New("pub1", "chain1", Config{PropagationTimeout: 10 * time.Millisecond, MaxGapRequests: 1},
		func(*wire.StreamMessage) {},
		func(from, to wire.MessageRef, publisherID, msgChainID string) {},
		func(err *errs.Error) { fatalCalled <- struct{}{} },
	)

	r4 := ref(4, 0)
	c.Add(msg(1, 0, nil))
	c.Add(msg(5, 0, &r4))
	c.Stop()

	select {
	case <-fatalCalled:
		t.Fatal("fatal handler should not fire after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
