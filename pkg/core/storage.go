package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for study runs.
//
// Lookups return (nil, nil) when the record does not exist. Methods that
// guard a capacity apply the check and the write as one conditional
// statement so concurrent callers cannot exceed it.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Studies
	CreateStudy(ctx context.Context, study *Study) error
	GetStudy(ctx context.Context, id uint64) (*Study, error)
	GetComponent(ctx context.Context, id uint64) (*Component, error)
	AddStudyMember(ctx context.Context, studyID uint64, username string) error
	IsStudyMember(ctx context.Context, studyID uint64, username string) (bool, error)

	// Batches
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id uint64) (*Batch, error)
	IsBatchWorker(ctx context.Context, batchID, workerID uint64) (bool, error)
	// AddBatchWorker admits the worker to the batch. Admitting a worker twice
	// is a no-op. Returns ErrBatchFull when a counted worker would exceed
	// MaxTotalWorkers.
	AddBatchWorker(ctx context.Context, batch *Batch, worker *Worker) error

	// Workers
	CreateWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, id uint64) (*Worker, error)
	FindJatosWorker(ctx context.Context, username string) (*Worker, error)
	FindMTurkWorker(ctx context.Context, workerType WorkerType, mtWorkerID string) (*Worker, error)

	// Study results
	CreateStudyResult(ctx context.Context, sr *StudyResult) error
	GetStudyResult(ctx context.Context, id uint64) (*StudyResult, error)
	UpdateStudyResult(ctx context.Context, sr *StudyResult) error
	TouchStudyResult(ctx context.Context, id uint64, seen time.Time) error
	// SaveSessionData replaces the session data of a run that is not done.
	SaveSessionData(ctx context.Context, id uint64, data string, seen time.Time) error
	ListStudyResultsByWorker(ctx context.Context, workerID uint64) ([]*StudyResult, error)

	// Component results
	CreateComponentResult(ctx context.Context, cr *ComponentResult) error
	UpdateComponentResult(ctx context.Context, cr *ComponentResult) error

	// Group results
	GetGroupResult(ctx context.Context, id uint64) (*GroupResult, error)
	ListOpenGroupResults(ctx context.Context, batchID uint64) ([]*GroupResult, error)
	ListGroupMembers(ctx context.Context, groupResultID uint64) ([]*StudyResult, error)
	// ListGroupHistory returns every run that has left the group.
	ListGroupHistory(ctx context.Context, groupResultID uint64) ([]*StudyResult, error)
	// JoinGroupResult makes sr a current member of the group if the group is
	// STARTED, not fixed, below the batch's member limits and not a group sr
	// left before. Returns false when the group cannot admit sr.
	JoinGroupResult(ctx context.Context, groupResultID uint64, sr *StudyResult, batch *Batch) (bool, error)
	// CreateGroupResultWithMember creates a group whose only member is sr.
	CreateGroupResultWithMember(ctx context.Context, gr *GroupResult, sr *StudyResult) error
	// LeaveGroupResult moves sr from its group's current members to its
	// history. A group without current members is FINISHED.
	LeaveGroupResult(ctx context.Context, sr *StudyResult) error
	FixGroupResult(ctx context.Context, groupResultID uint64) error
}
