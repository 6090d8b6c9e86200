package core

import (
	"time"

	"github.com/google/uuid"
)

// WorkerType is the discriminator of the Worker union.
type WorkerType string

const (
	WorkerJatos            WorkerType = "Jatos"
	WorkerMTurk            WorkerType = "MT"
	WorkerMTurkSandbox     WorkerType = "MTSandbox"
	WorkerGeneralSingle    WorkerType = "GeneralSingle"
	WorkerGeneralMultiple  WorkerType = "GeneralMultiple"
	WorkerPersonalSingle   WorkerType = "PersonalSingle"
	WorkerPersonalMultiple WorkerType = "PersonalMultiple"
	WorkerTester           WorkerType = "Tester"
)

// AllWorkerTypes lists every worker variant.
var AllWorkerTypes = WorkerTypes{
	WorkerJatos,
	WorkerMTurk,
	WorkerMTurkSandbox,
	WorkerGeneralSingle,
	WorkerGeneralMultiple,
	WorkerPersonalSingle,
	WorkerPersonalMultiple,
	WorkerTester,
}

// WorkerTypes is a set of worker types, stored as a JSON array.
type WorkerTypes []WorkerType

// Valid reports whether t names a known variant.
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerJatos, WorkerMTurk, WorkerMTurkSandbox, WorkerGeneralSingle,
		WorkerGeneralMultiple, WorkerPersonalSingle, WorkerPersonalMultiple, WorkerTester:
		return true
	}
	return false
}

// ParseWorkerType converts the wire name of a worker type.
func ParseWorkerType(s string) (WorkerType, error) {
	t := WorkerType(s)
	if !t.Valid() {
		return "", BadRequest("unknown worker type %q", s)
	}
	return t, nil
}

// Worker is the entity that runs a study. Type-specific fields are only set
// for the variants that use them: Username for Jatos, MTWorkerID for MTurk
// and MTurkSandbox, Comment for the personal variants.
type Worker struct {
	ID         uint64     `gorm:"primaryKey"`
	Type       WorkerType `gorm:"size:32;not null;index;uniqueIndex:idx_workers_mturk,priority:1"`
	Username   *string    `gorm:"size:255;uniqueIndex"`
	MTWorkerID *string    `gorm:"size:255;uniqueIndex:idx_workers_mturk,priority:2"`
	Comment    string     `gorm:"size:255"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
}

// IsSingleUse reports whether the worker may finish a study only once.
func (w *Worker) IsSingleUse() bool {
	switch w.Type {
	case WorkerPersonalSingle, WorkerGeneralSingle, WorkerTester:
		return true
	case WorkerJatos, WorkerMTurk, WorkerMTurkSandbox, WorkerGeneralMultiple, WorkerPersonalMultiple:
		return false
	}
	return false
}

// CountsTowardsBatchLimit reports whether the worker is counted against a
// batch's MaxTotalWorkers.
func (w *Worker) CountsTowardsBatchLimit() bool {
	return w.Type != WorkerJatos
}

// GenerateConfirmationCode returns a fresh confirmation code for a finished
// run, or nil for variants that never get one.
func (w *Worker) GenerateConfirmationCode() *string {
	switch w.Type {
	case WorkerJatos, WorkerTester:
		return nil
	case WorkerMTurk, WorkerMTurkSandbox, WorkerGeneralSingle, WorkerGeneralMultiple,
		WorkerPersonalSingle, WorkerPersonalMultiple:
		code := uuid.New().String()
		return &code
	}
	return nil
}

// AccountName returns the researcher account of a Jatos worker.
func (w *Worker) AccountName() string {
	if w.Username == nil {
		return ""
	}
	return *w.Username
}

// MTurkID returns the MTurk worker id, empty for other variants.
func (w *Worker) MTurkID() string {
	if w.MTWorkerID == nil {
		return ""
	}
	return *w.MTWorkerID
}
