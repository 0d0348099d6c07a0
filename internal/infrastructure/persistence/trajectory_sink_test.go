package persistence

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	if err := autoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestGormTrajectorySinkRecordAndFindByTrace(t *testing.T) {
	sink := NewGormTrajectorySink(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	records := []entity.TrajectoryRecord{
		{Kind: entity.RecordMetadata, TraceID: "trace-1", Timestamp: now, Metadata: map[string]string{"prompt": "2+2?"}},
		{Kind: entity.RecordIteration, TraceID: "trace-1", Timestamp: now.Add(time.Second), Iteration: &entity.RLMIteration{Index: 1}},
		{Kind: entity.RecordDone, TraceID: "trace-1", Timestamp: now.Add(2 * time.Second), FinalText: "4"},
		{Kind: entity.RecordMetadata, TraceID: "trace-2", Timestamp: now, Metadata: map[string]string{"prompt": "unrelated"}},
	}
	for _, rec := range records {
		if err := sink.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := sink.FindByTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("FindByTrace: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 records for trace-1, got %d", len(got))
	}
	if got[0].Kind != entity.RecordMetadata || got[2].Kind != entity.RecordDone {
		t.Fatalf("want metadata first and done last in insertion order, got %+v", got)
	}
	if got[2].FinalText != "4" {
		t.Fatalf("want final text round-tripped, got %q", got[2].FinalText)
	}
}

func TestGormTrajectorySinkListTraces(t *testing.T) {
	sink := NewGormTrajectorySink(openTestDB(t))
	ctx := context.Background()

	for _, traceID := range []string{"a", "b", "c"} {
		if err := sink.Record(ctx, entity.TrajectoryRecord{Kind: entity.RecordMetadata, TraceID: traceID, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if err := sink.Record(ctx, entity.TrajectoryRecord{Kind: entity.RecordDone, TraceID: traceID, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	traces, err := sink.ListTraces(ctx, 2)
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("want 2 traces with limit 2, got %d", len(traces))
	}
	if traces[0] != "c" || traces[1] != "b" {
		t.Fatalf("want newest-first order [c b], got %v", traces)
	}
}
