package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"
)

// DebugHandler 返回 /debug/dispatcher 所需的 handler。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := d.snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

type debugSnapshot struct {
	QueueDepth     int       `json:"queueDepth"`
	MaxQueue       int       `json:"maxQueue"`
	InFlight       int       `json:"inFlight"`
	Busy           bool      `json:"busy"`
	CurrentAction  string    `json:"currentAction,omitempty"`
	RateLimit      float64   `json:"rateLimit"`
	AllowedOrigins []string  `json:"allowedOrigins,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (d *Dispatcher) snapshot() debugSnapshot {
	snap := debugSnapshot{
		QueueDepth:     len(d.queue),
		MaxQueue:       d.cfg.MaxQueue,
		AllowedOrigins: d.cfg.AllowedOrigins,
		Timestamp:      time.Now(),
	}
	if current, ok := d.current.Load().(string); ok && current != "" {
		snap.Busy = true
		snap.InFlight = 1
		snap.CurrentAction = current
	}
	if limiter := d.limiter.Load(); limiter != nil {
		snap.RateLimit = float64(limiter.Limit())
	}
	return snap
}
