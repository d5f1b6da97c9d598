package flow

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/metrics"
)

// DraftSweeper deletes drafts idle for longer than a TTL.
type DraftSweeper struct {
	drafts  *DraftStore
	ttl     time.Duration
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewDraftSweeper creates a DraftSweeper. A non-positive ttl disables sweeping.
func NewDraftSweeper(drafts *DraftStore, ttl time.Duration, m *metrics.Recorder) *DraftSweeper {
	return &DraftSweeper{drafts: drafts, ttl: ttl, metrics: m, now: time.Now}
}

// Sweep removes expired drafts and returns how many were deleted.
func (s *DraftSweeper) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	n, err := s.drafts.DeleteIdleSince(s.now().Add(-s.ttl))
	if err != nil {
		slog.Error("DraftSweeper.Sweep: delete failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("DraftSweeper.Sweep: expired drafts removed", "count", n, "ttl", s.ttl)
		s.metrics.ObserveDraftClosed("expired", n)
	}
	return n
}
