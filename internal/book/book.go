// Package book maintains per-symbol limit order books reconciled from REST
// snapshots and depth-diff streams, with strict sequence tracking. A book is
// written only by its symbol's pipeline goroutine; the internal lock exists so
// status surfaces can read a consistent view.
package book

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// UIState is the per-symbol reconciliation state.
type UIState string

const (
	StateInit             UIState = "INIT"
	StateSnapshotPending  UIState = "SNAPSHOT_PENDING"
	StateApplyingSnapshot UIState = "APPLYING_SNAPSHOT"
	StateLive             UIState = "LIVE"
	StateResyncing        UIState = "RESYNCING"
	StateHalted           UIState = "HALTED"
)

// DefaultMaxBuffer bounds the diff buffer while a book is not LIVE.
const DefaultMaxBuffer = 2000

// Stats counts apply outcomes for a book.
type Stats struct {
	Applied   int64 `json:"applied"`
	Dropped   int64 `json:"dropped"`
	Buffered  int64 `json:"buffered"`
	Desyncs   int64 `json:"desyncs"`
	Snapshots int64 `json:"snapshots"`
	Overflows int64 `json:"overflows"`
}

// SnapshotResult reports the outcome of ApplySnapshot, including the buffered
// diff replay.
type SnapshotResult struct {
	OK           bool
	AppliedCount int
	DroppedCount int
	GapDetected  bool
}

// DepthApplyResult reports the outcome of ApplyDepthUpdate.
type DepthApplyResult struct {
	OK          bool
	Applied     bool
	Dropped     bool
	Buffered    bool
	GapDetected bool
}

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// OrderBook is a sparse price-indexed bid/ask book with sequence tracking.
type OrderBook struct {
	logger *zap.Logger
	symbol string

	mu           sync.RWMutex
	bids         *treemap.Map // decimal.Decimal -> decimal.Decimal
	asks         *treemap.Map
	lastUpdateID uint64
	state        UIState
	buffer       []*types.DepthDiff
	maxBuffer    int

	lastSeenFirst uint64
	lastSeenFinal uint64

	stats Stats
}

// New creates an empty book in INIT state.
func New(logger *zap.Logger, symbol string, maxBuffer int) *OrderBook {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &OrderBook{
		logger:    logger.Named("book"),
		symbol:    symbol,
		bids:      treemap.NewWith(decimalComparator),
		asks:      treemap.NewWith(decimalComparator),
		state:     StateInit,
		buffer:    make([]*types.DepthDiff, 0, 64),
		maxBuffer: maxBuffer,
	}
}

// Symbol returns the book's symbol.
func (b *OrderBook) Symbol() string { return b.symbol }

// State returns the current UI state.
func (b *OrderBook) State() UIState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState transitions the book; used by the feed controller for
// SNAPSHOT_PENDING, RESYNCING, and HALTED transitions it owns.
func (b *OrderBook) SetState(s UIState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != s {
		b.logger.Debug("book state transition",
			zap.String("symbol", b.symbol),
			zap.String("from", string(b.state)),
			zap.String("to", string(s)),
		)
		b.state = s
	}
}

// LastUpdateID returns the last applied final update id (0 if unseeded).
func (b *OrderBook) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// LastSeen returns the (U, u) pair of the most recent diff handed to the book.
func (b *OrderBook) LastSeen() (uint64, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeenFirst, b.lastSeenFinal
}

// GetStats returns a copy of the apply counters.
func (b *OrderBook) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// BufferLen returns the number of diffs queued while not LIVE.
func (b *OrderBook) BufferLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffer)
}

// ApplySnapshot replaces the book wholly with snap and replays the diff
// buffer. Diffs with u <= lastUpdateId are dropped; the first applicable diff
// must straddle lastUpdateId+1 or a gap is declared and the book is left in
// RESYNCING.
func (b *OrderBook) ApplySnapshot(snap *types.DepthSnapshot) SnapshotResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateApplyingSnapshot
	b.stats.Snapshots++

	b.bids.Clear()
	b.asks.Clear()
	for _, lvl := range snap.Bids {
		if lvl.Quantity.IsPositive() {
			b.bids.Put(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Quantity.IsPositive() {
			b.asks.Put(lvl.Price, lvl.Quantity)
		}
	}
	b.lastUpdateID = snap.LastUpdateID

	res := SnapshotResult{OK: true}
	started := false
	for _, diff := range b.buffer {
		if diff.FinalUpdateID <= b.lastUpdateID {
			res.DroppedCount++
			b.stats.Dropped++
			continue
		}
		if !started {
			if diff.FirstUpdateID > b.lastUpdateID+1 {
				// First applicable diff does not straddle the snapshot.
				res.OK = false
				res.GapDetected = true
				break
			}
			started = true
		} else if diff.FirstUpdateID > b.lastUpdateID+1 {
			res.OK = false
			res.GapDetected = true
			break
		}
		b.applyLevelsLocked(diff)
		b.lastUpdateID = diff.FinalUpdateID
		res.AppliedCount++
		b.stats.Applied++
	}
	b.buffer = b.buffer[:0]

	if res.GapDetected {
		b.stats.Desyncs++
		b.state = StateResyncing
		b.logger.Warn("gap while replaying buffered diffs",
			zap.String("symbol", b.symbol),
			zap.Uint64("lastUpdateId", b.lastUpdateID),
		)
		return res
	}

	b.state = StateLive
	return res
}

// ApplyDepthUpdate applies, buffers, or drops one diff according to the
// sequencing rules. A gap leaves the book in RESYNCING without applying.
func (b *OrderBook) ApplyDepthUpdate(diff *types.DepthDiff) DepthApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeenFirst = diff.FirstUpdateID
	b.lastSeenFinal = diff.FinalUpdateID

	if b.state != StateLive || b.lastUpdateID == 0 {
		return b.bufferLocked(diff)
	}

	if diff.FinalUpdateID <= b.lastUpdateID {
		b.stats.Dropped++
		return DepthApplyResult{OK: true, Dropped: true}
	}

	if diff.FirstUpdateID > b.lastUpdateID+1 {
		b.stats.Desyncs++
		b.state = StateResyncing
		b.logger.Warn("depth sequence gap",
			zap.String("symbol", b.symbol),
			zap.Uint64("expected", b.lastUpdateID+1),
			zap.Uint64("gotFirst", diff.FirstUpdateID),
			zap.Uint64("gotFinal", diff.FinalUpdateID),
		)
		return DepthApplyResult{GapDetected: true}
	}

	b.applyLevelsLocked(diff)
	b.lastUpdateID = diff.FinalUpdateID
	b.stats.Applied++
	return DepthApplyResult{OK: true, Applied: true}
}

func (b *OrderBook) bufferLocked(diff *types.DepthDiff) DepthApplyResult {
	if len(b.buffer) >= b.maxBuffer {
		// Overflow: discard the buffer and demand a fresh snapshot.
		b.buffer = b.buffer[:0]
		b.stats.Overflows++
		b.stats.Desyncs++
		b.state = StateResyncing
		b.logger.Warn("depth buffer overflow",
			zap.String("symbol", b.symbol),
			zap.Int("max", b.maxBuffer),
		)
		return DepthApplyResult{GapDetected: true}
	}
	b.buffer = append(b.buffer, diff)
	b.stats.Buffered++
	return DepthApplyResult{OK: true, Buffered: true}
}

func (b *OrderBook) applyLevelsLocked(diff *types.DepthDiff) {
	for _, lvl := range diff.Bids {
		if lvl.Quantity.IsZero() {
			b.bids.Remove(lvl.Price)
		} else {
			b.bids.Put(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range diff.Asks {
		if lvl.Quantity.IsZero() {
			b.asks.Remove(lvl.Price)
		} else {
			b.asks.Put(lvl.Price, lvl.Quantity)
		}
	}
}

// BestBid returns the highest bid, or ok=false on an empty side.
func (b *OrderBook) BestBid() (types.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.bids.Empty() {
		return types.PriceLevel{}, false
	}
	p, q := b.bids.Max()
	return types.PriceLevel{Price: p.(decimal.Decimal), Quantity: q.(decimal.Decimal)}, true
}

// BestAsk returns the lowest ask, or ok=false on an empty side.
func (b *OrderBook) BestAsk() (types.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.asks.Empty() {
		return types.PriceLevel{}, false
	}
	p, q := b.asks.Min()
	return types.PriceLevel{Price: p.(decimal.Decimal), Quantity: q.(decimal.Decimal)}, true
}

// Crossed reports best_bid >= best_ask while both sides have levels.
func (b *OrderBook) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Price.GreaterThanOrEqual(ask.Price)
}

// TopBids returns up to n best bids with cumulative quantities.
func (b *OrderBook) TopBids(n int) []types.BookLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.BookLevel, 0, n)
	cum := decimal.Zero
	it := b.bids.Iterator()
	for it.End(); it.Prev() && len(out) < n; {
		q := it.Value().(decimal.Decimal)
		cum = cum.Add(q)
		out = append(out, types.BookLevel{
			Price:      it.Key().(decimal.Decimal),
			Quantity:   q,
			Cumulative: cum,
		})
	}
	return out
}

// TopAsks returns up to n best asks with cumulative quantities.
func (b *OrderBook) TopAsks(n int) []types.BookLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.BookLevel, 0, n)
	cum := decimal.Zero
	it := b.asks.Iterator()
	for it.Next() {
		if len(out) >= n {
			break
		}
		q := it.Value().(decimal.Decimal)
		cum = cum.Add(q)
		out = append(out, types.BookLevel{
			Price:      it.Key().(decimal.Decimal),
			Quantity:   q,
			Cumulative: cum,
		})
	}
	return out
}

// Depth returns (bid levels, ask levels) currently held.
func (b *OrderBook) Depth() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Size(), b.asks.Size()
}
