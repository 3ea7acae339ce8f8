package feed

import (
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/config"
)

// AutoScaler adjusts the subscription concurrency limit from the fleet's
// rolling live-uptime. Degradation forces the limit straight down to the
// minimum; growth is one symbol at a time after a hold period.
type AutoScaler struct {
	logger *zap.Logger
	config config.AutoScaleConfig

	limit        int
	healthySince int64
	lastChangeMs int64
}

// NewAutoScaler starts at the minimum symbol count.
func NewAutoScaler(logger *zap.Logger, cfg config.AutoScaleConfig) *AutoScaler {
	return &AutoScaler{
		logger: logger.Named("autoscaler"),
		config: cfg,
		limit:  cfg.MinSymbols,
	}
}

// Limit returns the current subscription limit.
func (a *AutoScaler) Limit() int { return a.limit }

// Observe folds one watchdog pass's average live-uptime and returns the
// (possibly changed) limit.
func (a *AutoScaler) Observe(nowMs int64, avgUptime float64, activeSymbols int) int {
	switch {
	case avgUptime < a.config.LiveDownPct:
		a.healthySince = 0
		if a.limit > a.config.MinSymbols {
			a.logger.Warn("fleet degraded, forcing limit down",
				zap.Float64("avgUptime", avgUptime),
				zap.Int("from", a.limit),
				zap.Int("to", a.config.MinSymbols),
			)
			a.limit = a.config.MinSymbols
			a.lastChangeMs = nowMs
		}
	case avgUptime > a.config.LiveUpPct:
		if a.healthySince == 0 {
			a.healthySince = nowMs
		}
		held := nowMs - a.healthySince
		// Only grow when the fleet is actually at its limit.
		if held >= a.config.HoldMs && a.limit < a.config.MaxSymbols && activeSymbols >= a.limit {
			a.limit++
			a.healthySince = nowMs
			a.lastChangeMs = nowMs
			a.logger.Info("subscription limit raised",
				zap.Float64("avgUptime", avgUptime),
				zap.Int("limit", a.limit),
			)
		}
	default:
		a.healthySince = 0
	}
	return a.limit
}
