package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/domain/service"
	"github.com/rlmgo/rlmgo/internal/infrastructure/persistence/models"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

// GormTrajectorySink is the gorm-backed implementation of
// service.TrajectorySink: every record a completion driver emits is
// appended as its own row, keyed by trace id, never updated in place.
type GormTrajectorySink struct {
	db *gorm.DB
}

// NewGormTrajectorySink wraps db as a service.TrajectorySink.
func NewGormTrajectorySink(db *gorm.DB) *GormTrajectorySink {
	return &GormTrajectorySink{db: db}
}

var _ service.TrajectorySink = (*GormTrajectorySink)(nil)

// Record appends rec as a new row. Records are self-contained (spec's
// to_record/from_record round trip), so the whole thing is stored as a
// JSON payload alongside a few indexed columns for querying.
func (s *GormTrajectorySink) Record(ctx context.Context, rec entity.TrajectoryRecord) error {
	payload, err := rec.ToRecord()
	if err != nil {
		return rlmerrors.Wrap(rlmerrors.KindExecution, "marshal trajectory record", err)
	}

	model := &models.TrajectoryRecordModel{
		TraceID:   rec.TraceID,
		Depth:     rec.Depth,
		Kind:      string(rec.Kind),
		Timestamp: rec.Timestamp,
		Payload:   string(payload),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return rlmerrors.Wrap(rlmerrors.KindExecution, "write trajectory record", err)
	}
	return nil
}

// FindByTrace returns every record for a trace id, oldest first —
// reconstructing one completion's full trajectory.
func (s *GormTrajectorySink) FindByTrace(ctx context.Context, traceID string) ([]entity.TrajectoryRecord, error) {
	var rows []models.TrajectoryRecordModel
	err := s.db.WithContext(ctx).
		Where("trace_id = ?", traceID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, rlmerrors.Wrap(rlmerrors.KindExecution, "query trajectory records", err)
	}
	return toRecords(rows)
}

// ListTraces returns the most recently started trace ids, newest first,
// for a trajectory browser (e.g. the repl's history command).
func (s *GormTrajectorySink) ListTraces(ctx context.Context, limit int) ([]string, error) {
	var traceIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.TrajectoryRecordModel{}).
		Where("kind = ?", string(entity.RecordMetadata)).
		Order("id desc").
		Limit(limit).
		Pluck("trace_id", &traceIDs).Error
	if err != nil {
		return nil, rlmerrors.Wrap(rlmerrors.KindExecution, "list trajectory traces", err)
	}
	return traceIDs, nil
}

func toRecords(rows []models.TrajectoryRecordModel) ([]entity.TrajectoryRecord, error) {
	records := make([]entity.TrajectoryRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := entity.FromRecord([]byte(row.Payload))
		if err != nil {
			return nil, rlmerrors.Wrap(rlmerrors.KindExecution, "decode trajectory record", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
