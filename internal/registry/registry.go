// Package registry owns all per-symbol components. Every order book, queue,
// pipeline, and orchestrator instance is owned exclusively by its SymbolEntry;
// cross-component sharing goes through the entry, never through globals.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/internal/orchestrator"
	"github.com/atlas-desktop/marketflow/internal/queue"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// BundleSink receives each published metric bundle.
type BundleSink interface {
	PublishBundle(bundle *metrics.MetricBundle)
}

// DecisionSink receives each orchestrator decision with its order intents.
type DecisionSink interface {
	PublishDecision(decision *orchestrator.Decision)
}

// PositionProvider supplies the caller-owned dry-run position per symbol.
type PositionProvider interface {
	Position(symbol string) orchestrator.PositionSnapshot
	FillConfirmed(symbol string) bool
	DryRunBlocked(symbol string) bool
}

// Config tunes the registry's per-symbol wiring.
type Config struct {
	QueueMax          int
	BookBufferMax     int
	EvalMinIntervalMs int64
	Pipeline          metrics.PipelineConfig
	Params            orchestrator.Params
	Integrity         book.IntegrityConfig
}

// SymbolEntry bundles everything owned for one symbol.
type SymbolEntry struct {
	Symbol       string
	Book         *book.OrderBook
	Integrity    *book.IntegrityMonitor
	Queue        *queue.SequencedQueue
	Pipeline     *metrics.Pipeline
	Orchestrator *orchestrator.OrchestratorV1

	cancel     context.CancelFunc
	lastEvalMs int64
}

// Registry is the symbol table.
type Registry struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	entries map[string]*SymbolEntry

	bundles   BundleSink
	decisions DecisionSink
	positions PositionProvider

	killSwitch       bool
	executionEnabled bool

	resyncRequested func(symbol, reason string)

	btcDeltaZ      float64
	btcTrendiness  float64
	haveBTCContext bool
}

// New creates an empty registry.
func New(logger *zap.Logger, cfg Config) *Registry {
	return &Registry{
		logger:           logger.Named("registry"),
		config:           cfg,
		entries:          make(map[string]*SymbolEntry),
		executionEnabled: true,
	}
}

// SetSinks wires the bundle and decision consumers.
func (r *Registry) SetSinks(bundles BundleSink, decisions DecisionSink) {
	r.bundles = bundles
	r.decisions = decisions
}

// SetPositionProvider wires the dry-run position source.
func (r *Registry) SetPositionProvider(p PositionProvider) {
	r.positions = p
}

// SetResyncHandler wires the feed controller's resync scheduling.
func (r *Registry) SetResyncHandler(fn func(symbol, reason string)) {
	r.resyncRequested = fn
}

// SetKillSwitch flips the operational kill switch; all symbols evaluate HOLD.
func (r *Registry) SetKillSwitch(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killSwitch = on
	r.logger.Warn("kill switch changed", zap.Bool("on", on))
}

// SetExecutionEnabled toggles order emission while retaining metrics.
func (r *Registry) SetExecutionEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executionEnabled = on
}

// SetBTCContext feeds the cross-market veto context from the BTC entry.
func (r *Registry) SetBTCContext(deltaZ, trendiness float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.btcDeltaZ = deltaZ
	r.btcTrendiness = trendiness
	r.haveBTCContext = true
}

// Ensure creates the symbol entry if missing and starts its queue consumer.
func (r *Registry) Ensure(ctx context.Context, symbol string) *SymbolEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[symbol]; ok {
		return e
	}

	ob := book.New(r.logger, symbol, r.config.BookBufferMax)
	im := book.NewIntegrityMonitor(r.logger, symbol, r.config.Integrity)
	pl := metrics.NewPipeline(r.logger, symbol, ob, im, r.config.Pipeline)
	q := queue.New(r.logger, symbol, r.config.QueueMax)
	orch := orchestrator.New(r.logger, symbol, r.config.Params)

	entry := &SymbolEntry{
		Symbol:       symbol,
		Book:         ob,
		Integrity:    im,
		Queue:        q,
		Pipeline:     pl,
		Orchestrator: orch,
	}

	pl.ResyncRequested = func(sym, reason string) {
		if r.resyncRequested != nil {
			r.resyncRequested(sym, reason)
		}
	}
	pl.Publish = func(bundle *metrics.MetricBundle) {
		r.onBundle(entry, bundle)
	}

	entryCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	q.Start(entryCtx, pl.Handle)
	r.entries[symbol] = entry
	r.logger.Info("symbol registered", zap.String("symbol", symbol))
	return entry
}

// Entry returns the symbol entry, nil when absent.
func (r *Registry) Entry(symbol string) *SymbolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[symbol]
}

// Remove drops the symbol entry: the queue consumer drains and exits, and the
// book is released with the entry.
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[symbol]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(r.entries, symbol)
		r.logger.Info("symbol removed", zap.String("symbol", symbol))
	}
}

// Symbols returns the registered symbol set.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	return out
}

// ForEach visits every entry.
func (r *Registry) ForEach(fn func(*SymbolEntry)) {
	r.mu.RLock()
	entries := make([]*SymbolEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		fn(e)
	}
}

// onBundle runs on the symbol's queue consumer goroutine: broadcast first,
// then the rate-limited orchestrator evaluation.
func (r *Registry) onBundle(entry *SymbolEntry, bundle *metrics.MetricBundle) {
	if r.bundles != nil {
		r.bundles.PublishBundle(bundle)
	}

	if bundle.GeneratedMs-entry.lastEvalMs < r.config.EvalMinIntervalMs {
		return
	}
	entry.lastEvalMs = bundle.GeneratedMs

	r.mu.RLock()
	kill := r.killSwitch
	exec := r.executionEnabled
	var btc *orchestrator.BTCContext
	if r.haveBTCContext && entry.Symbol != "BTCUSDT" {
		btc = &orchestrator.BTCContext{DeltaZ: r.btcDeltaZ, Trendiness: r.btcTrendiness}
	}
	r.mu.RUnlock()

	in := orchestrator.Input{
		Bundle:           bundle,
		NowMs:            bundle.GeneratedMs,
		BTC:              btc,
		KillSwitch:       kill,
		ExecutionEnabled: exec,
	}
	if r.positions != nil {
		in.Position = r.positions.Position(entry.Symbol)
		in.FillConfirmed = r.positions.FillConfirmed(entry.Symbol)
		in.DryRunBlocked = r.positions.DryRunBlocked(entry.Symbol)
	}

	decision := entry.Orchestrator.Evaluate(in)

	// BTC context for the rest of the fleet is refreshed from BTC's own
	// bundle as it passes through.
	if entry.Symbol == "BTCUSDT" {
		r.SetBTCContext(bundle.DeltaZ, bundle.Regime.Trendiness)
	}

	if r.decisions != nil {
		r.decisions.PublishDecision(&decision)
	}
}

// Enqueue routes a feed event to the symbol's queue; unknown symbols are
// dropped (the controller registers symbols before subscribing).
func (r *Registry) Enqueue(symbol string, ev types.Event) {
	entry := r.Entry(symbol)
	if entry == nil {
		return
	}
	entry.Queue.Enqueue(ev)
}

// HasBook reports whether the symbol has a seeded book.
func (r *Registry) HasBook(symbol string) bool {
	entry := r.Entry(symbol)
	return entry != nil && entry.Book.LastUpdateID() > 0
}

// BookState returns the symbol's book state ("" when absent).
func (r *Registry) BookState(symbol string) book.UIState {
	entry := r.Entry(symbol)
	if entry == nil {
		return ""
	}
	return entry.Book.State()
}

// SetBookState transitions the symbol's book (controller-owned transitions).
func (r *Registry) SetBookState(symbol string, s book.UIState) {
	entry := r.Entry(symbol)
	if entry != nil {
		entry.Book.SetState(s)
	}
}
