package feed

import (
	"sync"
)

// livenessSamples is the rolling window of 1 Hz live/not-live observations.
const livenessSamples = 60

// SymbolMeta is the per-symbol control struct the controller owns: snapshot
// timers, message counters, liveness samples, and backoff state. It lives for
// the process duration once created.
type SymbolMeta struct {
	mu sync.Mutex

	Symbol string
	Forced bool

	// Timers (epoch ms).
	LastSnapshotAttemptMs int64
	LastSnapshotOKMs      int64
	LastResyncMs          int64
	LastDepthMsgMs        int64
	LastTradeMsgMs        int64

	// Counters.
	DepthMsgCount   int64
	TradeMsgCount   int64
	SnapshotCount   int64
	SnapshotSkips   int64
	SnapshotErrors  int64
	DesyncCount     int64

	// Backoff.
	BackoffMs         int64
	ConsecutiveErrors int

	// Rolling 1 Hz liveness ring.
	liveRing [livenessSamples]bool
	liveIdx  int
	liveLen  int
}

// NewSymbolMeta creates the control struct for symbol.
func NewSymbolMeta(symbol string) *SymbolMeta {
	return &SymbolMeta{Symbol: symbol}
}

// RecordDepthMsg notes a depth message arrival.
func (m *SymbolMeta) RecordDepthMsg(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastDepthMsgMs = nowMs
	m.DepthMsgCount++
}

// RecordTradeMsg notes a trade message arrival.
func (m *SymbolMeta) RecordTradeMsg(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastTradeMsgMs = nowMs
	m.TradeMsgCount++
}

// RecordSnapshotAttempt notes a snapshot fetch start.
func (m *SymbolMeta) RecordSnapshotAttempt(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSnapshotAttemptMs = nowMs
}

// RecordSnapshotOK notes a successful snapshot and clears backoff.
func (m *SymbolMeta) RecordSnapshotOK(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSnapshotOKMs = nowMs
	m.SnapshotCount++
	m.BackoffMs = 0
	m.ConsecutiveErrors = 0
}

// RecordSnapshotError doubles the per-symbol backoff, capped at maxBackoffMs.
func (m *SymbolMeta) RecordSnapshotError(maxBackoffMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotErrors++
	m.ConsecutiveErrors++
	if m.BackoffMs == 0 {
		m.BackoffMs = 1000
	} else {
		m.BackoffMs *= 2
	}
	if m.BackoffMs > maxBackoffMs {
		m.BackoffMs = maxBackoffMs
	}
}

// RecordSnapshotSkip notes a throttled snapshot attempt.
func (m *SymbolMeta) RecordSnapshotSkip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotSkips++
}

// RecordResync notes a resync trigger.
func (m *SymbolMeta) RecordResync(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastResyncMs = nowMs
	m.DesyncCount++
}

// SnapshotAllowed reports whether a new snapshot attempt may start, honoring
// the per-symbol throttle and backoff.
func (m *SymbolMeta) SnapshotAllowed(nowMs, minIntervalMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wait := minIntervalMs
	if m.BackoffMs > wait {
		wait = m.BackoffMs
	}
	return nowMs-m.LastSnapshotAttemptMs >= wait
}

// ResyncAllowed reports whether enough time has passed since the last resync.
func (m *SymbolMeta) ResyncAllowed(nowMs, minIntervalMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return nowMs-m.LastResyncMs >= minIntervalMs
}

// RecordLiveSample pushes one 1 Hz liveness observation.
func (m *SymbolMeta) RecordLiveSample(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveRing[m.liveIdx] = live
	m.liveIdx = (m.liveIdx + 1) % livenessSamples
	if m.liveLen < livenessSamples {
		m.liveLen++
	}
}

// LiveUptimePct returns the fraction of recent samples that were live; 0 with
// no samples yet.
func (m *SymbolMeta) LiveUptimePct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLen == 0 {
		return 0
	}
	live := 0
	for i := 0; i < m.liveLen; i++ {
		if m.liveRing[i] {
			live++
		}
	}
	return float64(live) / float64(m.liveLen)
}

// Timers returns the watchdog-relevant timers in one locked read.
func (m *SymbolMeta) Timers() (lastDepthMs, lastSnapshotOKMs, lastResyncMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastDepthMsgMs, m.LastSnapshotOKMs, m.LastResyncMs
}

// MetaStatus is a JSON-friendly snapshot for the status surface.
type MetaStatus struct {
	Symbol         string  `json:"symbol"`
	Forced         bool    `json:"forced"`
	DepthMsgCount  int64   `json:"depthMsgCount"`
	TradeMsgCount  int64   `json:"tradeMsgCount"`
	SnapshotCount  int64   `json:"snapshotCount"`
	SnapshotSkips  int64   `json:"snapshotSkips"`
	SnapshotErrors int64   `json:"snapshotErrors"`
	DesyncCount    int64   `json:"desyncCount"`
	BackoffMs      int64   `json:"backoffMs"`
	LiveUptimePct  float64 `json:"liveUptimePct"`
}

// Status returns the observable snapshot.
func (m *SymbolMeta) Status() MetaStatus {
	uptime := m.LiveUptimePct()
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetaStatus{
		Symbol:         m.Symbol,
		Forced:         m.Forced,
		DepthMsgCount:  m.DepthMsgCount,
		TradeMsgCount:  m.TradeMsgCount,
		SnapshotCount:  m.SnapshotCount,
		SnapshotSkips:  m.SnapshotSkips,
		SnapshotErrors: m.SnapshotErrors,
		DesyncCount:    m.DesyncCount,
		BackoffMs:      m.BackoffMs,
		LiveUptimePct:  uptime,
	}
}
