package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskPending    string = "PENDING"
	TaskProcessing string = "PROCESSING"
	TaskSuccess    string = "SUCCESS"
	TaskFailure    string = "FAILURE"
)

func IsTerminal(status string) bool {
	return status == TaskSuccess || status == TaskFailure
}

// TaskRecord is the durable state entry tracked per submitted task. The
// gateway creates it PENDING before publishing; afterwards only the worker
// owning the current attempt mutates it. Attempt is a fencing counter:
// every claim increments it and terminal writes are guarded on it, so a
// crashed worker's late result cannot overwrite a redelivered attempt.
type TaskRecord struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Category string `gorm:"size:20;not null"`
	InputRef string `gorm:"not null"`
	Params   datatypes.JSON

	Status  string `gorm:"size:20;not null"`
	Attempt int    `gorm:"not null;default:0"`

	ProgressNote sql.NullString
	Result       datatypes.JSON
	Error        sql.NullString

	CreationTime   time.Time
	UpdateTime     time.Time
	CompletionTime sql.NullTime
}
