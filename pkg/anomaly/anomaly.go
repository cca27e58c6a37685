// Package anomaly carries the non-fatal conditions the cache surfaces instead of returning errors:
// rejected status transitions, evicted open orders, backend failures and undecodable records.
package anomaly

import (
	"sync"
	"time"

	"github.com/uhyunpark/statecache/pkg/types"
	"go.uber.org/zap"
)

type Kind string

const (
	InvalidTransition   Kind = "invalid_transition"
	OpenOrderEvicted    Kind = "open_order_evicted"
	BackendUnavailable  Kind = "backend_unavailable"
	DecodeFailure       Kind = "decode_failure"
	ShutdownFlushFailed Kind = "shutdown_flush_failed"
)

// Anomaly is one reported condition. Fields that do not apply to Kind stay empty.
type Anomaly struct {
	Kind      Kind              `json:"kind"`
	Time      time.Time         `json:"time"`
	OrderID   string            `json:"order_id,omitempty"`
	Previous  types.OrderStatus `json:"previous,omitempty"`
	Attempted types.OrderStatus `json:"attempted,omitempty"`
	Op        string            `json:"op,omitempty"`  // backend operation, e.g. "sync_all"
	Key       string            `json:"key,omitempty"` // record key for decode failures
	Err       string            `json:"error,omitempty"`
}

// Reporter receives anomalies. Implementations must not block the caller for long:
// reports are made from event handlers and from the sync loop.
type Reporter interface {
	Report(a Anomaly)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(Anomaly)

func (f ReporterFunc) Report(a Anomaly) { f(a) }

// Nop drops everything
var Nop Reporter = ReporterFunc(func(Anomaly) {})

// Tee fans an anomaly out to every non-nil reporter in order
func Tee(reporters ...Reporter) Reporter {
	out := make([]Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return ReporterFunc(func(a Anomaly) {
		for _, r := range out {
			r.Report(a)
		}
	})
}

// LogReporter writes every anomaly as a warning
type LogReporter struct {
	Log *zap.SugaredLogger
}

func (r LogReporter) Report(a Anomaly) {
	if r.Log == nil {
		return
	}
	kv := []interface{}{"kind", a.Kind}
	if a.OrderID != "" {
		kv = append(kv, "order_id", a.OrderID)
	}
	if a.Previous != "" || a.Attempted != "" {
		kv = append(kv, "previous", a.Previous, "attempted", a.Attempted)
	}
	if a.Op != "" {
		kv = append(kv, "op", a.Op)
	}
	if a.Key != "" {
		kv = append(kv, "key", a.Key)
	}
	if a.Err != "" {
		kv = append(kv, "err", a.Err)
	}
	r.Log.Warnw("cache_anomaly", kv...)
}

// Recorder keeps the most recent anomalies in a ring buffer plus a per-kind total
type Recorder struct {
	mu     sync.Mutex
	buf    []Anomaly
	next   int
	full   bool
	counts map[Kind]uint64
}

// NewRecorder creates a recorder holding at most capacity anomalies
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1
	}
	return &Recorder{
		buf:    make([]Anomaly, capacity),
		counts: make(map[Kind]uint64),
	}
}

func (r *Recorder) Report(a Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.counts[a.Kind]++
}

// Recent returns retained anomalies, oldest first
func (r *Recorder) Recent() []Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Anomaly, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Anomaly, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Count returns how many anomalies of kind were reported since creation
func (r *Recorder) Count(kind Kind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}
