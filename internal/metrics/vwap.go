package metrics

import (
	"time"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// VWAPSnapshot is the session VWAP reading published in the bundle.
type VWAPSnapshot struct {
	Session         string  `json:"session"`
	StartMs         int64   `json:"startMs"`
	ElapsedMs       int64   `json:"elapsedMs"`
	Value           float64 `json:"value"`
	PriceDistBps    float64 `json:"priceDistanceBps"`
	SessionHigh     float64 `json:"sessionHigh"`
	SessionLow      float64 `json:"sessionLow"`
	SessionRangePct float64 `json:"sessionRangePct"`
}

// SessionSpec names a trading session by its UTC start hour. Sessions are
// half-open [start, next start); DST is not modeled.
type SessionSpec struct {
	Name      string `mapstructure:"name"`
	StartHour int    `mapstructure:"start_hour"`
}

// DefaultSessions returns the asia/london/ny UTC boundaries.
func DefaultSessions() []SessionSpec {
	return []SessionSpec{
		{Name: "asia", StartHour: 0},
		{Name: "london", StartHour: 7},
		{Name: "ny", StartHour: 13},
	}
}

// SessionVWAP accumulates notional/volume within the current session and
// resets on session roll.
type SessionVWAP struct {
	sessions []SessionSpec

	current   string
	startMs   int64
	notional  float64
	volume    float64
	lastPrice float64
	high      float64
	low       float64

	onRoll func(prev string)
}

// NewSessionVWAP creates a tracker over the given session boundaries (defaults
// when nil).
func NewSessionVWAP(sessions []SessionSpec) *SessionVWAP {
	if len(sessions) == 0 {
		sessions = DefaultSessions()
	}
	return &SessionVWAP{sessions: sessions}
}

// OnSessionRoll registers a callback fired after each reset with the name of
// the session that ended.
func (s *SessionVWAP) OnSessionRoll(fn func(prev string)) { s.onRoll = fn }

// OnTrade folds a print into the current session, rolling first if the print
// falls into a new session.
func (s *SessionVWAP) OnTrade(t *types.TradePrint) {
	name, startMs := s.sessionAt(t.EventTimeMs)
	if name != s.current || startMs != s.startMs {
		prev := s.current
		s.current = name
		s.startMs = startMs
		s.notional = 0
		s.volume = 0
		s.high = 0
		s.low = 0
		if s.onRoll != nil && prev != "" {
			s.onRoll(prev)
		}
	}

	px := t.Price.InexactFloat64()
	qty := t.Quantity.InexactFloat64()
	s.notional += px * qty
	s.volume += qty
	s.lastPrice = px
	if s.high == 0 || px > s.high {
		s.high = px
	}
	if s.low == 0 || px < s.low {
		s.low = px
	}
}

// Snapshot reads the current session as of nowMs.
func (s *SessionVWAP) Snapshot(nowMs int64) VWAPSnapshot {
	snap := VWAPSnapshot{
		Session:     s.current,
		StartMs:     s.startMs,
		SessionHigh: s.high,
		SessionLow:  s.low,
	}
	if s.startMs > 0 {
		snap.ElapsedMs = nowMs - s.startMs
	}
	if s.volume > 0 {
		snap.Value = s.notional / s.volume
	}
	if snap.Value > 0 && s.lastPrice > 0 {
		snap.PriceDistBps = (s.lastPrice - snap.Value) / snap.Value * 10_000
	}
	if s.low > 0 {
		snap.SessionRangePct = (s.high - s.low) / s.low
	}
	return snap
}

// Value returns the current session VWAP (0 before any trade).
func (s *SessionVWAP) Value() float64 {
	if s.volume == 0 {
		return 0
	}
	return s.notional / s.volume
}

// sessionAt maps an epoch-ms timestamp to (session name, session start ms).
func (s *SessionVWAP) sessionAt(ms int64) (string, int64) {
	t := time.UnixMilli(ms).UTC()
	hour := t.Hour()

	idx := len(s.sessions) - 1
	for i, spec := range s.sessions {
		if hour >= spec.StartHour {
			idx = i
		}
	}
	spec := s.sessions[idx]

	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	start := day.Add(time.Duration(spec.StartHour) * time.Hour)
	if hour < s.sessions[0].StartHour {
		// Before the first session boundary: still yesterday's last session.
		start = start.AddDate(0, 0, -1)
	}
	return spec.Name, start.UnixMilli()
}
