// Package chain orders the messages of one (publisherId, msgChainId) chain
// within a subscription: strict MessageRef order, duplicate suppression, and
// timer-driven gap-fill requests with a bounded retry budget. Out-of-order
// buffering uses a sorted slice; only the gap in front of the earliest
// buffered message is tracked at a time.
package chain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/streamclient/internal/errs"
	"github.com/adred-codev/streamclient/internal/wire"
)

// MaxGapRequests bounds how many times the gap-fill handler fires for a
// single gap before the chain gives up.
const MaxGapRequests = 10

// DefaultPropagationTimeout is how long the chain waits for a gap to close
// before issuing (or re-issuing) a gap-fill request.
const DefaultPropagationTimeout = 5000 * time.Millisecond

// GapHandler issues a ResendRangeRequest for [from, to] on (publisherID,
// msgChainID). It is called from the chain's own goroutine; implementations
// must not block indefinitely.
type GapHandler func(from, to wire.MessageRef, publisherID, msgChainID string)

// FatalHandler is invoked exactly once, when a chain exhausts its gap-fill
// budget without the gap closing.
type FatalHandler func(err *errs.Error)

// Config configures a Chain's timers and budget.
type Config struct {
	PropagationTimeout time.Duration
	MaxGapRequests     int
}

func (c Config) withDefaults() Config {
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = DefaultPropagationTimeout
	}
	if c.MaxGapRequests <= 0 {
		c.MaxGapRequests = MaxGapRequests
	}
	return c
}

// Chain is OrderedMsgChain for one (publisherID, msgChainID) within a single
// subscription.
type Chain struct {
	publisherID string
	msgChainID  string
	cfg         Config
	onGap       GapHandler
	onFatal     FatalHandler
	onDeliver   func(*wire.StreamMessage)

	mu            sync.Mutex
	lastDelivered *wire.MessageRef
	buffer        []*wire.StreamMessage // sorted by Ref(), out-of-order holding pen
	gapTimer      *time.Timer
	gapAttempts   int
	gapTo         wire.MessageRef // prevMsgRef of the message that revealed the gap
	fatal         bool
	stopped       bool
}

// New constructs a Chain. onDeliver is called, in order, for every message
// that becomes deliverable; onGap issues the resend request for a detected
// gap; onFatal fires once if the gap is never filled within the budget.
func New(publisherID, msgChainID string, cfg Config, onDeliver func(*wire.StreamMessage), onGap GapHandler, onFatal FatalHandler) *Chain {
	return &Chain{
		publisherID: publisherID,
		msgChainID:  msgChainID,
		cfg:         cfg.withDefaults(),
		onGap:       onGap,
		onFatal:     onFatal,
		onDeliver:   onDeliver,
	}
}

// Add feeds msg into the chain. It delivers msg (and anything it unblocks)
// immediately if in order, buffers it if it arrives early, drops it if it is
// a duplicate, and starts a gap-fill timer if msg reveals a gap and none is
// already pending.
func (c *Chain) Add(msg *wire.StreamMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal || c.stopped {
		return
	}

	ref := msg.Ref()

	if c.lastDelivered != nil && ref.Compare(*c.lastDelivered) <= 0 {
		// Already delivered: duplicate.
		return
	}

	if c.alreadyBuffered(ref) {
		return
	}

	c.insertSorted(msg)
	c.drainLocked()

	if len(c.buffer) > 0 {
		head := c.buffer[0]
		expectedPrev := c.lastDelivered
		headHasGap := head.PrevMsgRef != nil && (expectedPrev == nil || head.PrevMsgRef.Compare(*expectedPrev) > 0)
		if headHasGap {
			c.gapTo = *head.PrevMsgRef
			c.startGapTimerLocked()
		}
	}
}

// alreadyBuffered reports whether a message with ref is already pending.
func (c *Chain) alreadyBuffered(ref wire.MessageRef) bool {
	for _, m := range c.buffer {
		if m.Ref().Compare(ref) == 0 {
			return true
		}
	}
	return false
}

func (c *Chain) insertSorted(msg *wire.StreamMessage) {
	ref := msg.Ref()
	i := sort.Search(len(c.buffer), func(i int) bool {
		return c.buffer[i].Ref().Compare(ref) >= 0
	})
	c.buffer = append(c.buffer, nil)
	copy(c.buffer[i+1:], c.buffer[i:])
	c.buffer[i] = msg
}

// drainLocked delivers every buffered message whose prevMsgRef is satisfied
// by lastDelivered, in order, stopping at the first gap.
func (c *Chain) drainLocked() {
	for len(c.buffer) > 0 {
		head := c.buffer[0]
		if head.PrevMsgRef != nil {
			if c.lastDelivered == nil || head.PrevMsgRef.Compare(*c.lastDelivered) > 0 {
				return // still gapped
			}
		}
		c.buffer = c.buffer[1:]
		ref := head.Ref()
		c.lastDelivered = &ref
		c.onDeliver(head)
	}

	// Chain caught up: cancel any outstanding gap timer.
	if len(c.buffer) == 0 {
		c.cancelGapTimerLocked()
		c.gapAttempts = 0
	}
}

func (c *Chain) startGapTimerLocked() {
	if c.gapTimer != nil {
		return // already pending for this gap
	}
	c.gapTimer = time.AfterFunc(c.cfg.PropagationTimeout, c.onGapTimerFire)
}

func (c *Chain) cancelGapTimerLocked() {
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}
}

func (c *Chain) onGapTimerFire() {
	c.mu.Lock()
	if c.fatal || c.stopped || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	c.gapTimer = nil
	c.gapAttempts++

	if c.gapAttempts > c.cfg.MaxGapRequests {
		c.fatal = true
		publisherID, msgChainID := c.publisherID, c.msgChainID
		fatalHandler := c.onFatal
		c.mu.Unlock()
		if fatalHandler != nil {
			fatalHandler(errs.New(errs.KindGapFill, fmt.Sprintf("chain %s/%s exhausted %d gap-fill attempts", publisherID, msgChainID, c.cfg.MaxGapRequests), nil))
		}
		return
	}

	var from wire.MessageRef
	if c.lastDelivered != nil {
		from = c.lastDelivered.Next()
	}
	to := c.gapTo
	handler := c.onGap
	publisherID, msgChainID := c.publisherID, c.msgChainID

	// Re-arm for the next attempt before releasing the lock so a fast
	// response racing this goroutine doesn't leave the timer unset.
	c.gapTimer = time.AfterFunc(c.cfg.PropagationTimeout, c.onGapTimerFire)
	c.mu.Unlock()

	if handler != nil {
		handler(from, to, publisherID, msgChainID)
	}
}

// GapAttempts reports how many gap-fill requests have fired for the current
// outstanding gap. Intended for tests and metrics.
func (c *Chain) GapAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gapAttempts
}

// LastDelivered returns the most recently delivered MessageRef, or nil if
// nothing has been delivered yet.
func (c *Chain) LastDelivered() *wire.MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDelivered == nil {
		return nil
	}
	ref := *c.lastDelivered
	return &ref
}

// Stop cancels any outstanding gap timer and marks the chain inert. Further
// calls to Add are no-ops. Called on unsubscribe.
func (c *Chain) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelGapTimerLocked()
	c.stopped = true
}
