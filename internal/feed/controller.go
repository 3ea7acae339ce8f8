package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/internal/config"
	"github.com/atlas-desktop/marketflow/internal/registry"
	"github.com/atlas-desktop/marketflow/internal/workers"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// openInterestPollSec is the cadence of REST open-interest polls per symbol.
const openInterestPollSec = 15

type controlOp int

const (
	opSubscribe controlOp = iota
	opUnsubscribe
	opForce
)

type controlMsg struct {
	op     controlOp
	symbol string
}

// Controller owns the WebSocket multiplexer, snapshot fetching, per-symbol
// state machines, liveness watchdog, and the subscription auto-scaler.
type Controller struct {
	logger   *zap.Logger
	feedCfg  config.FeedConfig
	exchCfg  config.ExchangeConfig
	rest     *RestClient
	registry *registry.Registry
	pool     *workers.Pool
	scaler   *AutoScaler

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu    sync.Mutex
	metas      map[string]*SymbolMeta
	clientSubs map[string]struct{}
	forced     map[string]struct{}
	active     map[string]struct{}

	control            chan controlMsg
	globalBackoffUntil atomic.Int64
	wsGeneration       atomic.Int64
	subID              atomic.Int64

	ctx context.Context
}

// NewController wires the controller against the registry.
func NewController(
	logger *zap.Logger,
	feedCfg config.FeedConfig,
	exchCfg config.ExchangeConfig,
	rest *RestClient,
	reg *registry.Registry,
	scaleCfg config.AutoScaleConfig,
) *Controller {
	poolCfg := workers.DefaultPoolConfig("snapshots")
	poolCfg.NumWorkers = feedCfg.SnapshotWorkers

	c := &Controller{
		logger:     logger.Named("feed"),
		feedCfg:    feedCfg,
		exchCfg:    exchCfg,
		rest:       rest,
		registry:   reg,
		pool:       workers.NewPool(logger, poolCfg),
		scaler:     NewAutoScaler(logger, scaleCfg),
		metas:      make(map[string]*SymbolMeta),
		clientSubs: make(map[string]struct{}),
		forced:     make(map[string]struct{}),
		active:     make(map[string]struct{}),
		control:    make(chan controlMsg, 64),
	}
	reg.SetResyncHandler(func(symbol, reason string) {
		c.ScheduleSnapshot(symbol, reason)
	})
	return c
}

// Subscribe requests market data for symbol (client-driven).
func (c *Controller) Subscribe(symbol string) {
	c.control <- controlMsg{op: opSubscribe, symbol: strings.ToUpper(symbol)}
}

// Unsubscribe releases a client subscription.
func (c *Controller) Unsubscribe(symbol string) {
	c.control <- controlMsg{op: opUnsubscribe, symbol: strings.ToUpper(symbol)}
}

// Force pins symbol into the subscription set regardless of the auto-scaler.
func (c *Controller) Force(symbol string) {
	c.control <- controlMsg{op: opForce, symbol: strings.ToUpper(symbol)}
}

// Run drives the controller until ctx is cancelled. Symbol registration and
// teardown are serialized through the control channel; the watchdog ticks at
// 1 Hz.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	c.pool.Start(ctx)
	defer c.pool.Stop()

	if err := c.connect(); err != nil {
		c.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	watchdog := time.NewTicker(1 * time.Second)
	defer watchdog.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			c.closeConn(websocket.CloseNormalClosure)
			return ctx.Err()
		case msg := <-c.control:
			c.handleControl(msg)
		case <-watchdog.C:
			tick++
			c.watchdogPass(nowMs())
			if tick%openInterestPollSec == 0 {
				c.pollOpenInterest()
			}
		}
	}
}

func (c *Controller) handleControl(msg controlMsg) {
	c.stateMu.Lock()
	switch msg.op {
	case opSubscribe:
		c.clientSubs[msg.symbol] = struct{}{}
	case opUnsubscribe:
		delete(c.clientSubs, msg.symbol)
	case opForce:
		c.forced[msg.symbol] = struct{}{}
		if meta, ok := c.metas[msg.symbol]; ok {
			meta.Forced = true
		}
	}
	c.stateMu.Unlock()
	c.reconcile()
}

// reconcile aligns the active subscription set with desired ∩ limit.
func (c *Controller) reconcile() {
	c.stateMu.Lock()

	desired := make([]string, 0, len(c.clientSubs)+len(c.forced))
	seen := make(map[string]struct{})
	for s := range c.forced {
		desired = append(desired, s)
		seen[s] = struct{}{}
	}
	others := make([]string, 0, len(c.clientSubs))
	for s := range c.clientSubs {
		if _, ok := seen[s]; !ok {
			others = append(others, s)
		}
	}
	sort.Strings(others)

	limit := c.scaler.Limit()
	for _, s := range others {
		if len(desired) >= limit {
			break
		}
		desired = append(desired, s)
	}

	toAdd := make([]string, 0)
	toDrop := make([]string, 0)
	desiredSet := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		desiredSet[s] = struct{}{}
		if _, ok := c.active[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	for s := range c.active {
		if _, ok := desiredSet[s]; !ok {
			toDrop = append(toDrop, s)
		}
	}
	for _, s := range toAdd {
		c.active[s] = struct{}{}
		if _, ok := c.metas[s]; !ok {
			meta := NewSymbolMeta(s)
			_, meta.Forced = c.forced[s]
			c.metas[s] = meta
		}
	}
	for _, s := range toDrop {
		delete(c.active, s)
	}
	c.stateMu.Unlock()

	for _, s := range toAdd {
		c.registry.Ensure(c.ctx, s)
		c.sendStreamOp("SUBSCRIBE", s)
		c.registry.SetBookState(s, book.StateSnapshotPending)
		c.ScheduleSnapshot(s, "initial")
		c.scheduleBackfill(s)
	}
	for _, s := range toDrop {
		c.sendStreamOp("UNSUBSCRIBE", s)
		c.registry.Remove(s)
		c.logger.Info("subscription cancelled", zap.String("symbol", s))
	}
}

func (c *Controller) streams(symbol string) []string {
	lower := strings.ToLower(symbol)
	depth := fmt.Sprintf("%s@depth@%s", lower, c.feedCfg.WSUpdateSpeed)
	if c.feedCfg.DepthStreamMode == "partial" {
		depth = fmt.Sprintf("%s@depth20@%s", lower, c.feedCfg.WSUpdateSpeed)
	}
	return []string{
		depth,
		lower + "@aggTrade",
		lower + "@markPrice@1s",
		lower + "@kline_1m",
	}
}

func (c *Controller) sendStreamOp(method, symbol string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	msg := map[string]interface{}{
		"method": method,
		"params": c.streams(symbol),
		"id":     c.subID.Add(1),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Warn("stream op failed",
			zap.String("method", method),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
}

// connect dials the combined-stream endpoint and starts the read loop.
func (c *Controller) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(c.exchCfg.WSBaseURL+"/stream", nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	c.conn = conn
	gen := c.wsGeneration.Add(1)
	go c.readLoop(conn, gen)

	// Re-subscribe everything active on a fresh connection.
	c.stateMu.Lock()
	active := make([]string, 0, len(c.active))
	for s := range c.active {
		active = append(active, s)
	}
	c.stateMu.Unlock()

	for _, s := range active {
		msg := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": c.streams(s),
			"id":     c.subID.Add(1),
		}
		if err := conn.WriteJSON(msg); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("symbol", s), zap.Error(err))
		}
	}
	c.logger.Info("websocket connected", zap.Int("symbols", len(active)))
	return nil
}

func (c *Controller) closeConn(code int) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	_ = c.conn.Close()
	c.conn = nil
}

// readLoop demultiplexes frames into per-symbol queues. It exits when the
// connection breaks or a newer generation replaces it.
func (c *Controller) readLoop(conn *websocket.Conn, gen int64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.wsGeneration.Load() == gen && c.ctx.Err() == nil {
				c.logger.Warn("websocket read error", zap.Error(err))
				c.connMu.Lock()
				if c.conn == conn {
					_ = c.conn.Close()
					c.conn = nil
				}
				c.connMu.Unlock()
				go c.reconnectLoop(gen)
			}
			return
		}

		ev := parseFrame(raw, nowMs())
		if ev == nil {
			continue
		}

		c.stateMu.Lock()
		meta := c.metas[ev.Symbol]
		c.stateMu.Unlock()
		if meta == nil {
			continue
		}

		switch ev.Type {
		case types.EventDepth:
			meta.RecordDepthMsg(ev.EnqueuedAtMs)
		case types.EventTrade:
			meta.RecordTradeMsg(ev.EnqueuedAtMs)
		}
		c.registry.Enqueue(ev.Symbol, *ev)
	}
}

func (c *Controller) reconnectLoop(gen int64) {
	backoff := time.Second
	for c.ctx.Err() == nil && c.wsGeneration.Load() == gen {
		time.Sleep(backoff)
		if err := c.connect(); err == nil {
			return
		}
		backoff *= 2
		if backoff > time.Duration(c.feedCfg.MaxBackoffMs)*time.Millisecond {
			backoff = time.Duration(c.feedCfg.MaxBackoffMs) * time.Millisecond
		}
	}
}

// watchdogPass evaluates per-symbol liveness, drives HALTED recovery, and
// feeds the auto-scaler.
func (c *Controller) watchdogPass(now int64) {
	c.stateMu.Lock()
	symbols := make([]string, 0, len(c.active))
	for s := range c.active {
		symbols = append(symbols, s)
	}
	c.stateMu.Unlock()

	var uptimeSum float64
	counted := 0
	for _, s := range symbols {
		c.stateMu.Lock()
		meta := c.metas[s]
		c.stateMu.Unlock()
		if meta == nil {
			continue
		}

		state := c.registry.BookState(s)
		if state == book.StateHalted {
			if now >= c.globalBackoffUntil.Load() {
				c.registry.SetBookState(s, book.StateSnapshotPending)
				c.ScheduleSnapshot(s, "halt_elapsed")
			}
			meta.RecordLiveSample(false)
			uptimeSum += meta.LiveUptimePct()
			counted++
			continue
		}

		lastDepth, lastSnapOK, _ := meta.Timers()
		dataFlowing := now-lastDepth < c.feedCfg.GracePeriodMs
		snapshotFresh := lastSnapOK > 0 && now-lastSnapOK <= c.feedCfg.LiveSnapshotFreshMs
		isLive := c.registry.HasBook(s) && (dataFlowing || snapshotFresh)

		meta.RecordLiveSample(isLive)
		uptimeSum += meta.LiveUptimePct()
		counted++

		if !isLive && meta.ResyncAllowed(now, c.feedCfg.MinResyncIntervalMs) {
			meta.RecordResync(now)
			c.registry.SetBookState(s, book.StateResyncing)
			c.ScheduleSnapshot(s, "watchdog")
		}
	}

	if counted > 0 {
		prev := c.scaler.Limit()
		limit := c.scaler.Observe(now, uptimeSum/float64(counted), counted)
		if limit != prev {
			c.reconcile()
		}
	}
}

// ScheduleSnapshot queues a snapshot fetch, honoring the global backoff and
// the per-symbol throttle.
func (c *Controller) ScheduleSnapshot(symbol, reason string) {
	now := nowMs()
	if now < c.globalBackoffUntil.Load() {
		return
	}

	c.stateMu.Lock()
	meta := c.metas[symbol]
	c.stateMu.Unlock()
	if meta == nil {
		return
	}
	if !meta.SnapshotAllowed(now, c.feedCfg.SnapshotMinIntervalMs) {
		meta.RecordSnapshotSkip()
		return
	}
	meta.RecordSnapshotAttempt(now)

	c.pool.SubmitFunc(func() error {
		return c.fetchSnapshot(symbol, meta, reason)
	})
}

func (c *Controller) fetchSnapshot(symbol string, meta *SymbolMeta, reason string) error {
	ctx, cancel := context.WithTimeout(c.ctx,
		time.Duration(c.exchCfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	snap, err := c.rest.DepthSnapshot(ctx, symbol, c.feedCfg.DepthLevels)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			c.globalBackoffUntil.Store(nowMs() + rl.RetryAfterMs)
			c.registry.SetBookState(symbol, book.StateHalted)
			c.logger.Warn("rate limited, global backoff engaged",
				zap.String("symbol", symbol),
				zap.Int64("retryAfterMs", rl.RetryAfterMs),
			)
			return nil
		}
		meta.RecordSnapshotError(c.feedCfg.MaxBackoffMs)
		c.logger.Warn("snapshot fetch failed",
			zap.String("symbol", symbol),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}

	meta.RecordSnapshotOK(nowMs())
	c.registry.Enqueue(symbol, types.Event{
		Type:         types.EventSnapshot,
		Symbol:       symbol,
		Snapshot:     snap,
		EnqueuedAtMs: snap.FetchedAtMs,
	})
	c.logger.Debug("snapshot applied",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Uint64("lastUpdateId", snap.LastUpdateID),
	)
	return nil
}

// scheduleBackfill fetches 1m history so readiness and the backfill ATR seed
// before the live tape warms up.
func (c *Controller) scheduleBackfill(symbol string) {
	bars := c.feedCfg.BackfillBars1m
	if bars <= 0 {
		return
	}
	c.pool.SubmitFunc(func() error {
		ctx, cancel := context.WithTimeout(c.ctx,
			2*time.Duration(c.exchCfg.RequestTimeoutMs)*time.Millisecond)
		defer cancel()

		klines, err := c.rest.Klines(ctx, symbol, "1m", bars)
		if err != nil {
			c.logger.Warn("kline backfill failed", zap.String("symbol", symbol), zap.Error(err))
			return err
		}
		for i := range klines {
			k := klines[i]
			if !k.Closed {
				continue
			}
			c.registry.Enqueue(symbol, types.Event{
				Type:         types.EventKline,
				Symbol:       symbol,
				Kline:        &k,
				EnqueuedAtMs: nowMs(),
			})
		}
		c.logger.Info("kline backfill complete",
			zap.String("symbol", symbol),
			zap.Int("bars", len(klines)),
		)
		return nil
	})
}

func (c *Controller) pollOpenInterest() {
	if nowMs() < c.globalBackoffUntil.Load() {
		return
	}
	c.stateMu.Lock()
	symbols := make([]string, 0, len(c.active))
	for s := range c.active {
		symbols = append(symbols, s)
	}
	c.stateMu.Unlock()

	for _, s := range symbols {
		symbol := s
		c.pool.SubmitFunc(func() error {
			ctx, cancel := context.WithTimeout(c.ctx,
				time.Duration(c.exchCfg.RequestTimeoutMs)*time.Millisecond)
			defer cancel()

			oi, err := c.rest.OpenInterest(ctx, symbol)
			if err != nil {
				var rl *RateLimitError
				if errors.As(err, &rl) {
					c.globalBackoffUntil.Store(nowMs() + rl.RetryAfterMs)
				}
				return err
			}
			c.registry.Enqueue(symbol, types.Event{
				Type:         types.EventOpenInterest,
				Symbol:       symbol,
				OpenInterest: oi,
				EnqueuedAtMs: nowMs(),
			})
			return nil
		})
	}
}

// MetaStatuses returns the status snapshot for every tracked symbol.
func (c *Controller) MetaStatuses() []MetaStatus {
	c.stateMu.Lock()
	metas := make([]*SymbolMeta, 0, len(c.metas))
	for _, m := range c.metas {
		metas = append(metas, m)
	}
	c.stateMu.Unlock()

	out := make([]MetaStatus, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GlobalBackoffUntil exposes the global pause deadline (0 when clear).
func (c *Controller) GlobalBackoffUntil() int64 {
	return c.globalBackoffUntil.Load()
}

// SubscriptionLimit exposes the auto-scaler's current limit.
func (c *Controller) SubscriptionLimit() int {
	return c.scaler.Limit()
}
