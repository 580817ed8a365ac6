package lopata

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

const (
	analyticsMaxBlobs   = 20
	analyticsMaxDoubles = 20
	analyticsMaxIndexes = 1
)

// AnalyticsDataPoint is one row written to a dataset.
type AnalyticsDataPoint struct {
	Indexes []string  `json:"indexes,omitempty"`
	Blobs   []string  `json:"blobs,omitempty"`
	Doubles []float64 `json:"doubles,omitempty"`
}

// AnalyticsDataset emulates an analytics binding. WriteDataPoint never
// fails the caller; bad points are dropped with a log line, matching
// the platform's fire-and-forget contract.
type AnalyticsDataset struct {
	st      *store.Store
	log     *slog.Logger
	dataset string
}

// NewAnalyticsDataset builds the binding for one dataset.
func NewAnalyticsDataset(st *store.Store, log *slog.Logger, dataset string) *AnalyticsDataset {
	return &AnalyticsDataset{st: st, log: log, dataset: dataset}
}

// WriteDataPoint records one point.
func (a *AnalyticsDataset) WriteDataPoint(ctx context.Context, point *AnalyticsDataPoint) {
	if point == nil {
		return
	}
	if len(point.Indexes) > analyticsMaxIndexes || len(point.Blobs) > analyticsMaxBlobs || len(point.Doubles) > analyticsMaxDoubles {
		a.log.Warn("analytics point dropped: too many fields", "dataset", a.dataset)
		return
	}
	indexes, _ := json.Marshal(point.Indexes)
	blobs, _ := json.Marshal(point.Blobs)
	doubles, _ := json.Marshal(point.Doubles)
	_, err := a.st.DB.ExecContext(ctx,
		`INSERT INTO analytics_points (dataset, indexes, blobs, doubles, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.dataset, string(indexes), string(blobs), string(doubles), time.Now().UnixMilli())
	if err != nil {
		a.log.Warn("analytics point dropped", "dataset", a.dataset, "error", err)
	}
}
