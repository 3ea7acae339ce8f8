package book

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// IntegrityConfig tunes the fault grading windows.
type IntegrityConfig struct {
	FaultWindowMs       int64 `mapstructure:"fault_window_ms"`
	DegradedFaults      int   `mapstructure:"degraded_faults"`
	CriticalFaults      int   `mapstructure:"critical_faults"`
	MinResyncIntervalMs int64 `mapstructure:"min_resync_interval_ms"`
	RecoverAfterCleanMs int64 `mapstructure:"recover_after_clean_ms"`
}

// DefaultIntegrityConfig returns the grading defaults.
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		FaultWindowMs:       60_000,
		DegradedFaults:      1,
		CriticalFaults:      5,
		MinResyncIntervalMs: 10_000,
		RecoverAfterCleanMs: 30_000,
	}
}

// IntegrityMonitor grades a symbol's feed health from sequence gaps and
// crossed-book observations. CRITICAL additionally recommends a reconnect,
// throttled by the minimum inter-resync interval.
type IntegrityMonitor struct {
	logger *zap.Logger
	config IntegrityConfig
	symbol string

	mu              sync.Mutex
	faults          []int64
	lastFaultMs     int64
	lastReconnectMs int64
	level           types.IntegrityLevel
}

// NewIntegrityMonitor creates a monitor in the OK level.
func NewIntegrityMonitor(logger *zap.Logger, symbol string, config IntegrityConfig) *IntegrityMonitor {
	return &IntegrityMonitor{
		logger: logger.Named("integrity"),
		config: config,
		symbol: symbol,
	}
}

// ObserveApplied records a clean diff application; once RecoverAfterCleanMs
// has passed since the last fault, the level resets to OK.
func (m *IntegrityMonitor) ObserveApplied(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(nowMs)
	if m.level != types.IntegrityOK &&
		m.lastFaultMs > 0 &&
		nowMs-m.lastFaultMs >= m.config.RecoverAfterCleanMs {
		m.level = types.IntegrityOK
		m.faults = m.faults[:0]
	}
}

// ObserveGap records a sequence gap fault.
func (m *IntegrityMonitor) ObserveGap(nowMs int64) {
	m.recordFault(nowMs, "sequence_gap")
}

// ObserveCrossed records a crossed-book fault.
func (m *IntegrityMonitor) ObserveCrossed(nowMs int64) {
	m.recordFault(nowMs, "crossed_book")
}

func (m *IntegrityMonitor) recordFault(nowMs int64, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(nowMs)
	m.faults = append(m.faults, nowMs)
	m.lastFaultMs = nowMs

	prev := m.level
	switch {
	case len(m.faults) >= m.config.CriticalFaults:
		m.level = types.IntegrityCritical
	case len(m.faults) >= m.config.DegradedFaults:
		if m.level < types.IntegrityDegraded {
			m.level = types.IntegrityDegraded
		}
	}
	if m.level != prev {
		m.logger.Warn("integrity level changed",
			zap.String("symbol", m.symbol),
			zap.String("kind", kind),
			zap.String("from", prev.String()),
			zap.String("to", m.level.String()),
			zap.Int("faults", len(m.faults)),
		)
	}
}

// Level returns the current integrity level.
func (m *IntegrityMonitor) Level() types.IntegrityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// ReconnectRecommended reports whether the level is CRITICAL and the resync
// throttle has elapsed. A true return arms the throttle.
func (m *IntegrityMonitor) ReconnectRecommended(nowMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level != types.IntegrityCritical {
		return false
	}
	if nowMs-m.lastReconnectMs < m.config.MinResyncIntervalMs {
		return false
	}
	m.lastReconnectMs = nowMs
	return true
}

func (m *IntegrityMonitor) pruneLocked(nowMs int64) {
	cutoff := nowMs - m.config.FaultWindowMs
	i := 0
	for i < len(m.faults) && m.faults[i] < cutoff {
		i++
	}
	if i > 0 {
		m.faults = append(m.faults[:0], m.faults[i:]...)
	}
}
