package metrics

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// microATRWarmupSamples is the EWMA sample count after which the micro ATR is
// preferred over the backfill ATR. The switch is one-way per warm-up cycle:
// backfill is only used again after ResetMicroTape empties the micro tape.
const microATRWarmupSamples = 15

// tradeTimestampSlackMs bounds how far a trade's event time may sit from its
// receipt time before the print is rejected.
const tradeTimestampSlackMs = 5 * 60_000

// PipelineConfig tunes a symbol pipeline.
type PipelineConfig struct {
	Advanced          AdvancedConfig `mapstructure:"advanced"`
	Sessions          []SessionSpec  `mapstructure:"sessions"`
	DepthLagMaxMs     int64          `mapstructure:"depth_lag_max_ms"`
	PublishIntervalMs int64          `mapstructure:"publish_interval_ms"`
	CrossMarket       bool           `mapstructure:"cross_market"`
	TapeWindowMs      int64          `mapstructure:"tape_window_ms"`
}

// DefaultPipelineConfig returns the standard tuning.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Advanced:          DefaultAdvancedConfig(),
		Sessions:          DefaultSessions(),
		DepthLagMaxMs:     15_000,
		PublishIntervalMs: 250,
		CrossMarket:       false,
		TapeWindowMs:      60_000,
	}
}

// Pipeline is the per-symbol metric facade. It is the sole writer to its
// accumulators and must only be driven by the symbol's sequenced queue
// consumer.
type Pipeline struct {
	logger *zap.Logger
	config PipelineConfig
	symbol string

	book      *book.OrderBook
	integrity *book.IntegrityMonitor

	cvd         *CVDTracker
	tas         *TimeAndSales
	absorption  *Absorption
	legacy      *LegacyCalculator
	vwap        *SessionVWAP
	liquidity   *LiquidityMetrics
	passive     *PassiveFlow
	derivatives *DerivativesMetrics
	toxicity    *ToxicityMetrics
	regime      *RegimeMetrics
	crossMarket *CrossMarket
	htf         *HTFStructure
	oi          *OpenInterestMetrics
	funding     *FundingMetrics

	backfillATR   *backfillATR
	atrSource     string
	microWasWarm  bool

	lastEventMs   int64
	lastPublishMs int64
	lastTradePx   float64
	eventsApplied atomic.Int64
	invalidDrops  atomic.Int64

	// Publish receives each assembled bundle; ResyncRequested fires when the
	// pipeline itself detects the book needs a fresh snapshot.
	Publish         func(*MetricBundle)
	ResyncRequested func(symbol, reason string)
}

// NewPipeline creates the facade around an existing book and integrity
// monitor.
func NewPipeline(logger *zap.Logger, symbol string, ob *book.OrderBook, im *book.IntegrityMonitor, config PipelineConfig) *Pipeline {
	p := &Pipeline{
		logger:      logger.Named("pipeline"),
		config:      config,
		symbol:      symbol,
		book:        ob,
		integrity:   im,
		cvd:         NewCVDTracker(),
		tas:         NewTimeAndSales(config.TapeWindowMs),
		absorption:  NewAbsorption(),
		legacy:      NewLegacyCalculator(),
		vwap:        NewSessionVWAP(config.Sessions),
		liquidity:   NewLiquidityMetrics(config.Advanced),
		passive:     NewPassiveFlow(config.Advanced),
		derivatives: NewDerivativesMetrics(config.Advanced),
		toxicity:    NewToxicityMetrics(config.Advanced),
		regime:      NewRegimeMetrics(),
		crossMarket: NewCrossMarket(config.CrossMarket),
		htf:         NewHTFStructure(),
		oi:          NewOpenInterestMetrics(),
		funding:     NewFundingMetrics(),
		backfillATR: newBackfillATR(),
		atrSource:   ATRSourceUnknown,
	}
	p.vwap.OnSessionRoll(func(prev string) {
		p.legacy.ResetSession()
		p.logger.Debug("session rolled",
			zap.String("symbol", symbol),
			zap.String("ended", prev),
		)
	})
	return p
}

// Book returns the pipeline's order book.
func (p *Pipeline) Book() *book.OrderBook { return p.book }

// Integrity returns the pipeline's integrity monitor.
func (p *Pipeline) Integrity() *book.IntegrityMonitor { return p.integrity }

// InvalidDrops returns how many malformed inputs were rejected.
func (p *Pipeline) InvalidDrops() int64 { return p.invalidDrops.Load() }

// Handle consumes one sequenced event. It is the queue handler for the
// symbol and must never be called concurrently.
func (p *Pipeline) Handle(ev types.Event) error {
	switch ev.Type {
	case types.EventDepth:
		return p.onDepth(ev.Depth)
	case types.EventTrade:
		return p.onTrade(ev.Trade)
	case types.EventSnapshot:
		return p.onSnapshot(ev.Snapshot)
	case types.EventMarkPrice:
		p.onMarkPrice(ev.MarkPrice)
	case types.EventOpenInterest:
		p.onOpenInterest(ev.OpenInterest)
	case types.EventKline:
		p.onKline(ev.Kline)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (p *Pipeline) onDepth(diff *types.DepthDiff) error {
	nowMs := diff.ReceiptTimeMs
	p.lastEventMs = nowMs

	if p.config.DepthLagMaxMs > 0 && diff.ReceiptTimeMs-diff.EventTimeMs > p.config.DepthLagMaxMs {
		p.book.SetState(book.StateResyncing)
		p.requestResync("depth_lag")
		return nil
	}

	res := p.book.ApplyDepthUpdate(diff)
	if res.GapDetected {
		p.integrity.ObserveGap(nowMs)
		p.requestResync("sequence_gap")
		return nil
	}
	if !res.Applied {
		return nil
	}

	p.integrity.ObserveApplied(nowMs)
	if p.book.Crossed() {
		p.integrity.ObserveCrossed(nowMs)
	}
	p.eventsApplied.Add(1)
	p.refreshDepthFamilies(nowMs)
	p.maybePublish(nowMs)
	return nil
}

func (p *Pipeline) onTrade(t *types.TradePrint) error {
	if !t.Price.IsPositive() || !t.Quantity.IsPositive() {
		p.invalidDrops.Add(1)
		return nil
	}
	if t.ReceiptTimeMs > 0 && abs64(t.ReceiptTimeMs-t.EventTimeMs) > tradeTimestampSlackMs {
		p.invalidDrops.Add(1)
		return nil
	}
	p.lastEventMs = t.EventTimeMs
	p.eventsApplied.Add(1)

	px := t.Price.InexactFloat64()
	var symbolRet float64
	if p.lastTradePx > 0 && px > 0 {
		symbolRet = math.Log(px / p.lastTradePx)
	}
	p.lastTradePx = px

	p.cvd.OnTrade(t)
	p.tas.OnTrade(t)
	p.legacy.OnTrade(t)
	p.absorption.OnTrade(t)
	p.vwap.OnTrade(t)
	p.regime.OnTrade(t)
	p.toxicity.OnTrade(t)
	p.derivatives.OnTrade(t)
	p.passive.OnTrade(t)
	p.liquidity.OnTrade(t, p.mid())
	if symbolRet != 0 {
		p.crossMarket.OnSymbolReturn(t.EventTimeMs, symbolRet)
	}

	p.maybePublish(t.EventTimeMs)
	return nil
}

func (p *Pipeline) onSnapshot(snap *types.DepthSnapshot) error {
	res := p.book.ApplySnapshot(snap)
	if !res.OK {
		p.integrity.ObserveGap(snap.FetchedAtMs)
		p.requestResync("snapshot_replay_gap")
		return nil
	}
	p.refreshDepthFamilies(snap.FetchedAtMs)
	return nil
}

func (p *Pipeline) onMarkPrice(u *types.MarkPriceUpdate) {
	p.lastEventMs = u.EventTimeMs
	p.derivatives.OnMarkPrice(u)
	p.funding.OnMarkPrice(u)
}

func (p *Pipeline) onOpenInterest(u *types.OpenInterestUpdate) {
	p.lastEventMs = u.EventTimeMs
	p.derivatives.OnOpenInterest(u)
	p.oi.OnUpdate(u)
}

func (p *Pipeline) onKline(k *types.Kline) {
	p.htf.OnKline(k)
	p.backfillATR.onKline(k)
}

// OnMajorsReturn feeds the latest BTC/ETH log returns into the cross-market
// family. Neither the registry nor the feed calls it.
func (p *Pipeline) OnMajorsReturn(btcRet, ethRet float64) {
	p.crossMarket.OnMajorsReturn(btcRet, ethRet)
}

// OnSpotReference feeds the periodically fetched spot reference.
func (p *Pipeline) OnSpotReference(price, imbalance10 float64) {
	p.crossMarket.OnSpotReference(price, imbalance10)
}

// refreshDepthFamilies pushes the current top-50 view into every depth-fed
// accumulator.
func (p *Pipeline) refreshDepthFamilies(nowMs int64) {
	bids := p.book.TopBids(50)
	asks := p.book.TopAsks(50)
	if len(bids) == 0 && len(asks) == 0 {
		return
	}

	p.legacy.OnDepth(bids, asks)
	p.liquidity.OnDepth(nowMs, bids, asks)
	p.passive.OnDepth(nowMs, bids, asks)

	if len(bids) > 0 && len(asks) > 0 {
		p.absorption.OnDepth(bids[0].Quantity.InexactFloat64(), asks[0].Quantity.InexactFloat64())
		if p.crossMarket.Enabled() {
			p.crossMarket.OnPerp(p.mid(), imbalanceAt(bids, asks, 10))
		}
	}
}

// maybePublish assembles and publishes a bundle, rate-limited to the
// configured interval.
func (p *Pipeline) maybePublish(nowMs int64) {
	if p.Publish == nil {
		return
	}
	if nowMs-p.lastPublishMs < p.config.PublishIntervalMs {
		return
	}
	p.lastPublishMs = nowMs
	p.Publish(p.Bundle(nowMs))
}

// Bundle assembles the full metric snapshot as of nowMs.
func (p *Pipeline) Bundle(nowMs int64) *MetricBundle {
	bids := p.book.TopBids(20)
	asks := p.book.TopAsks(20)

	b := &MetricBundle{
		Symbol:        p.symbol,
		GeneratedMs:   nowMs,
		Bids:          bids,
		Asks:          asks,
		BookState:     string(p.book.State()),
		CVD:           p.cvd.Snapshot(nowMs),
		TimeAndSales:  p.tas.Snapshot(nowMs),
		Absorption:    p.absorption.Snapshot(),
		OBIWeighted:   p.legacy.OBIWeighted(),
		OBIDeep:       p.legacy.OBIDeep(),
		OBIDivergence: p.legacy.OBIDivergence(),
		DeltaZ:        p.legacy.DeltaZ(),
		CVDSlope:      p.legacy.CVDSlope(nowMs),
		SessionVWAP:   p.vwap.Snapshot(nowMs),
		HTF:           p.htf.Snapshot(),
		Liquidity:     p.liquidity.Snapshot(),
		PassiveFlow:   p.passive.Snapshot(nowMs),
		Derivatives:   p.derivatives.Snapshot(nowMs),
		Toxicity:      p.toxicity.Snapshot(nowMs),
		Regime:        p.regime.Snapshot(nowMs),
		CrossMarket:   p.crossMarket.Snapshot(nowMs),
		OpenInterest:  p.oi.Snapshot(nowMs),
		Funding:       p.funding.Snapshot(),
		Integrity:     p.integrity.Level().String(),
		BarsLoaded1m:  p.htf.BarsLoaded1m(),
		LastEventMs:   p.lastEventMs,
		EventsApplied: p.eventsApplied.Load(),
	}

	if bid, ok := p.book.BestBid(); ok {
		b.BestBid = bid.Price
	}
	if ask, ok := p.book.BestAsk(); ok {
		b.BestAsk = ask.Price
	}
	if b.BestBid.IsPositive() && b.BestAsk.IsPositive() {
		bidF := b.BestBid.InexactFloat64()
		askF := b.BestAsk.InexactFloat64()
		b.Mid = (bidF + askF) / 2
		if b.Mid > 0 {
			b.SpreadPct = (askF - bidF) / b.Mid
		}
	}

	b.ATR3m, b.ATRSource = p.atr3m()
	return b
}

// atr3m resolves the ATR value and source. Micro wins once warm; the switch
// is one-way until ResetMicroTape empties the micro tape.
func (p *Pipeline) atr3m() (float64, string) {
	microWarm := p.regime.MicroATRSamples() >= microATRWarmupSamples
	if microWarm {
		p.microWasWarm = true
	}
	if p.regime.MicroATRSamples() == 0 {
		p.microWasWarm = false
	}

	switch {
	case p.microWasWarm:
		p.atrSource = ATRSourceMicro
		return p.regime.MicroATR(), p.atrSource
	case p.backfillATR.primed():
		p.atrSource = ATRSourceBackfill
		return p.backfillATR.value(), p.atrSource
	default:
		p.atrSource = ATRSourceUnknown
		return 0, p.atrSource
	}
}

// ResetMicroTape clears the trade-derived micro ATR warm-up. The book resync
// paths do not call it.
func (p *Pipeline) ResetMicroTape() {
	p.regime.Reset()
}

func (p *Pipeline) mid() float64 {
	bid, okB := p.book.BestBid()
	ask, okA := p.book.BestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid.Price.InexactFloat64() + ask.Price.InexactFloat64()) / 2
}

func (p *Pipeline) requestResync(reason string) {
	if p.ResyncRequested != nil {
		p.ResyncRequested(p.symbol, reason)
	}
}

func imbalanceAt(bids, asks []types.BookLevel, depth int) float64 {
	bidVol := cumQty(bids, depth)
	askVol := cumQty(asks, depth)
	if bidVol+askVol == 0 {
		return 0
	}
	return bidVol / (bidVol + askVol)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// backfillATR derives a 3-minute ATR from closed 1m klines while the micro
// EWMA warms up. True range is expressed as a percent of close times 100 to
// match the micro ATR units.
type backfillATR struct {
	bucket    int64
	high      float64
	low       float64
	close     float64
	prevClose float64
	ewma      float64
	seen      bool
}

func newBackfillATR() *backfillATR { return &backfillATR{} }

func (a *backfillATR) onKline(k *types.Kline) {
	if k.Interval != "1m" || !k.Closed {
		return
	}
	bucket := k.OpenTime - k.OpenTime%(3*60_000)
	high := k.High.InexactFloat64()
	low := k.Low.InexactFloat64()
	closePx := k.Close.InexactFloat64()

	if a.bucket == 0 {
		a.bucket = bucket
		a.high, a.low, a.close = high, low, closePx
		return
	}
	if bucket == a.bucket {
		if high > a.high {
			a.high = high
		}
		if low < a.low {
			a.low = low
		}
		a.close = closePx
		return
	}

	// 3m bar completed.
	tr := a.high - a.low
	if a.prevClose > 0 {
		if hc := math.Abs(a.high - a.prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(a.low - a.prevClose); lc > tr {
			tr = lc
		}
	}
	if a.close > 0 {
		trPct := tr / a.close * 100
		if !a.seen {
			a.ewma = trPct
			a.seen = true
		} else {
			a.ewma = (2.0/15.0)*trPct + (13.0/15.0)*a.ewma
		}
	}
	a.prevClose = a.close
	a.bucket = bucket
	a.high, a.low, a.close = high, low, closePx
}

func (a *backfillATR) primed() bool   { return a.seen }
func (a *backfillATR) value() float64 { return a.ewma }
