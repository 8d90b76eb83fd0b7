package dashboard

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tendero/shopsync/internal/notify"
	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
)

// SyncCompleteData contains refresh completion information
type SyncCompleteData struct {
	Counts   map[schema.Kind]int `json:"counts"`
	Duration time.Duration       `json:"duration"`
	Error    string              `json:"error,omitempty"`
}

// RejectionData describes one mutation the server refused
type RejectionData struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

// QueueStatusData contains the outcome of a drain
type QueueStatusData struct {
	Pending   int             `json:"pending"`
	Attempted int             `json:"attempted"`
	Confirmed int             `json:"confirmed"`
	Retried   int             `json:"retried"`
	Deferred  int             `json:"deferred"`
	Dropped   int             `json:"dropped"`
	Held      int             `json:"held"`
	Rejected  []RejectionData `json:"rejected,omitempty"`
	NextDrain time.Duration   `json:"next_drain,omitempty"`
}

// StatsData contains running totals since the daemon started
type StatsData struct {
	Syncs         int       `json:"syncs"`
	SyncErrors    int       `json:"sync_errors"`
	Confirmed     int       `json:"confirmed"`
	Rejected      int       `json:"rejected"`
	Pending       int       `json:"pending"`
	Checks        int       `json:"checks"`
	Notifications int       `json:"notifications"`
	LastSync      time.Time `json:"last_sync,omitempty"`
}

// Handler turns daemon events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnSyncComplete handles the end of a refresh
func (h *Handler) OnSyncComplete(counts map[schema.Kind]int, duration time.Duration, err error) {
	data := SyncCompleteData{Counts: counts, Duration: duration}

	h.mu.Lock()
	h.stats.Syncs++
	if err != nil {
		h.stats.SyncErrors++
		data.Error = err.Error()
	} else {
		h.stats.LastSync = time.Now()
	}
	h.mu.Unlock()

	h.server.Publish(MessageTypeSyncComplete, data)
}

// OnDrain handles the end of a queue drain
func (h *Handler) OnDrain(report queue.Report, pending int, next time.Duration) {
	data := QueueStatusData{
		Pending:   pending,
		Attempted: report.Attempted,
		Confirmed: report.Confirmed,
		Retried:   report.Retried,
		Deferred:  report.Deferred,
		Dropped:   report.Dropped,
		Held:      report.Held,
		NextDrain: next,
	}
	for _, r := range report.Rejected {
		data.Rejected = append(data.Rejected, RejectionData{
			ID:     r.Mutation.ID,
			Op:     string(r.Mutation.Op),
			Kind:   string(r.Mutation.Kind),
			Target: r.Mutation.Target.String(),
			Error:  r.Err.Error(),
		})
	}
	sort.Slice(data.Rejected, func(i, j int) bool { return data.Rejected[i].ID < data.Rejected[j].ID })

	h.mu.Lock()
	h.stats.Confirmed += report.Confirmed
	h.stats.Rejected += len(report.Rejected)
	h.stats.Pending = pending
	h.mu.Unlock()

	if len(report.Rejected) > 0 {
		h.logger.Printf("Drain rejected %d mutation(s)", len(report.Rejected))
	}
	h.server.Publish(MessageTypeQueueStatus, data)
}

// OnCycle records a notification engine cycle
func (h *Handler) OnCycle(res notify.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Checks++
	h.stats.Notifications += len(res.Shown)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
