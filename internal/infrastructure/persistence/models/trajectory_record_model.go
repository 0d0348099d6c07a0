package models

import "time"

// TrajectoryRecordModel is the gorm row backing one append-only
// entity.TrajectoryRecord. Payload carries the full record, already
// serialized via TrajectoryRecord.ToRecord; the remaining columns exist
// purely to make FindByTrace/ListTraces queryable without deserializing every
// row's payload first.
type TrajectoryRecordModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TraceID   string `gorm:"index;size:32;not null"`
	Depth     int    `gorm:"not null"`
	Kind      string `gorm:"size:16;not null"`
	Timestamp time.Time `gorm:"index"`
	Payload   string `gorm:"type:text;not null"` // JSON-encoded entity.TrajectoryRecord
	CreatedAt time.Time
}

// TableName pins the table name rather than letting gorm pluralize it.
func (TrajectoryRecordModel) TableName() string {
	return "trajectory_records"
}
