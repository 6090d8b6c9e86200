package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Study{},
		&core.Component{},
		&core.StudyMember{},
		&core.Batch{},
		&core.BatchWorker{},
		&core.Worker{},
		&core.StudyResult{},
		&core.ComponentResult{},
		&core.GroupResult{},
		&core.GroupHistory{},
	)
}

// first loads one record, translating a missing row into (nil, nil).
func first[T any](q *gorm.DB) (*T, error) {
	var v T
	if err := q.First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Studies
// ──────────────────────────────────────────────────────────────────────────────

// CreateStudy inserts a study together with its components and batches.
func (s *GormStorage) CreateStudy(ctx context.Context, study *core.Study) error {
	return s.db.WithContext(ctx).Create(study).Error
}

// GetStudy loads a study with its components ordered by position.
func (s *GormStorage) GetStudy(ctx context.Context, id uint64) (*core.Study, error) {
	return first[core.Study](s.db.WithContext(ctx).
		Preload("Components", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Preload("Batches", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("id = ?", id))
}

// GetComponent loads a single component.
func (s *GormStorage) GetComponent(ctx context.Context, id uint64) (*core.Component, error) {
	return first[core.Component](s.db.WithContext(ctx).Where("id = ?", id))
}

// AddStudyMember grants an account access to a study. Adding an existing
// member is a no-op.
func (s *GormStorage) AddStudyMember(ctx context.Context, studyID uint64, username string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&core.StudyMember{StudyID: studyID, Username: username}).Error
}

// IsStudyMember reports whether the account is a member of the study.
func (s *GormStorage) IsStudyMember(ctx context.Context, studyID uint64, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.StudyMember{}).
		Where("study_id = ? AND username = ?", studyID, username).
		Count(&count).Error
	return count > 0, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────────────────────────────────

// CreateBatch inserts a batch.
func (s *GormStorage) CreateBatch(ctx context.Context, batch *core.Batch) error {
	return s.db.WithContext(ctx).Create(batch).Error
}

// GetBatch loads a single batch.
func (s *GormStorage) GetBatch(ctx context.Context, id uint64) (*core.Batch, error) {
	return first[core.Batch](s.db.WithContext(ctx).Where("id = ?", id))
}

// IsBatchWorker reports whether the worker was admitted to the batch.
func (s *GormStorage) IsBatchWorker(ctx context.Context, batchID, workerID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.BatchWorker{}).
		Where("batch_id = ? AND worker_id = ?", batchID, workerID).
		Count(&count).Error
	return count > 0, err
}

// AddBatchWorker admits a worker to a batch. The membership row is written
// first so the transaction takes the write lock immediately; the counter is
// then incremented only while it is below MaxTotalWorkers. A full batch
// rolls the membership back and returns core.ErrBatchFull.
func (s *GormStorage) AddBatchWorker(ctx context.Context, batch *core.Batch, worker *core.Worker) error {
	counted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&core.BatchWorker{BatchID: batch.ID, WorkerID: worker.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || !worker.CountsTowardsBatchLimit() {
			return nil
		}

		res = tx.Model(&core.Batch{}).
			Where("id = ?", batch.ID).
			Where("(max_total_workers IS NULL OR worker_count < max_total_workers)").
			Update("worker_count", gorm.Expr("worker_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return core.ErrBatchFull
		}
		counted = true
		return nil
	})
	if err != nil {
		return err
	}
	if counted {
		batch.WorkerCount++
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────────────────────────────────

// CreateWorker inserts a worker. A second Jatos worker for the same account
// or a second MTurk worker with the same id yields core.ErrDuplicate.
func (s *GormStorage) CreateWorker(ctx context.Context, worker *core.Worker) error {
	err := s.db.WithContext(ctx).Create(worker).Error
	if err != nil && IsDuplicate(err) {
		return fmt.Errorf("%w: %v", core.ErrDuplicate, err)
	}
	return err
}

// GetWorker loads a single worker.
func (s *GormStorage) GetWorker(ctx context.Context, id uint64) (*core.Worker, error) {
	return first[core.Worker](s.db.WithContext(ctx).Where("id = ?", id))
}

// FindJatosWorker returns the Jatos worker of an account.
func (s *GormStorage) FindJatosWorker(ctx context.Context, username string) (*core.Worker, error) {
	return first[core.Worker](s.db.WithContext(ctx).
		Where("type = ? AND username = ?", core.WorkerJatos, username))
}

// FindMTurkWorker returns the MTurk or MTurk sandbox worker with the given id.
func (s *GormStorage) FindMTurkWorker(ctx context.Context, workerType core.WorkerType, mtWorkerID string) (*core.Worker, error) {
	return first[core.Worker](s.db.WithContext(ctx).
		Where("type = ? AND mt_worker_id = ?", workerType, mtWorkerID))
}

// ──────────────────────────────────────────────────────────────────────────────
// Study results
// ──────────────────────────────────────────────────────────────────────────────

// CreateStudyResult inserts a study result without its component results.
func (s *GormStorage) CreateStudyResult(ctx context.Context, sr *core.StudyResult) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(sr).Error
}

// GetStudyResult loads a study result with its component results in
// creation order.
func (s *GormStorage) GetStudyResult(ctx context.Context, id uint64) (*core.StudyResult, error) {
	return first[core.StudyResult](s.db.WithContext(ctx).
		Preload("ComponentResults", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("id = ?", id))
}

// UpdateStudyResult writes every column of the study result. Component
// results are saved separately.
func (s *GormStorage) UpdateStudyResult(ctx context.Context, sr *core.StudyResult) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(sr).Error
}

// TouchStudyResult records the last time the worker was seen.
func (s *GormStorage) TouchStudyResult(ctx context.Context, id uint64, seen time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.StudyResult{}).
		Where("id = ?", id).
		Update("last_seen_date", seen)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.NotFound("study result %d not found", id)
	}
	return nil
}

// SaveSessionData writes only the session data columns, so group membership
// changed by a concurrent request is not overwritten.
func (s *GormStorage) SaveSessionData(ctx context.Context, id uint64, data string, seen time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.StudyResult{}).
		Where("id = ? AND state NOT IN ?", id, []core.StudyState{core.StudyFinished, core.StudyAborted, core.StudyFail}).
		Updates(map[string]any{"session_data": data, "last_seen_date": seen})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.NotFound("open study result %d not found", id)
	}
	return nil
}

// ListStudyResultsByWorker returns every run of a worker, oldest first.
func (s *GormStorage) ListStudyResultsByWorker(ctx context.Context, workerID uint64) ([]*core.StudyResult, error) {
	var results []*core.StudyResult
	err := s.db.WithContext(ctx).
		Where("worker_id = ?", workerID).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Component results
// ──────────────────────────────────────────────────────────────────────────────

// CreateComponentResult inserts a component result.
func (s *GormStorage) CreateComponentResult(ctx context.Context, cr *core.ComponentResult) error {
	return s.db.WithContext(ctx).Create(cr).Error
}

// UpdateComponentResult writes every column of the component result.
func (s *GormStorage) UpdateComponentResult(ctx context.Context, cr *core.ComponentResult) error {
	return s.db.WithContext(ctx).Save(cr).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Group results
// ──────────────────────────────────────────────────────────────────────────────

// GetGroupResult loads a single group result.
func (s *GormStorage) GetGroupResult(ctx context.Context, id uint64) (*core.GroupResult, error) {
	return first[core.GroupResult](s.db.WithContext(ctx).Where("id = ?", id))
}

// ListOpenGroupResults returns the STARTED, unfixed groups of a batch in
// creation order.
func (s *GormStorage) ListOpenGroupResults(ctx context.Context, batchID uint64) ([]*core.GroupResult, error) {
	var groups []*core.GroupResult
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND state = ? AND fixed = ?", batchID, core.GroupStarted, false).
		Order("id ASC").
		Find(&groups).Error
	return groups, err
}

// ListGroupMembers returns the current members of a group.
func (s *GormStorage) ListGroupMembers(ctx context.Context, groupResultID uint64) ([]*core.StudyResult, error) {
	var members []*core.StudyResult
	err := s.db.WithContext(ctx).
		Where("active_group_result_id = ?", groupResultID).
		Order("id ASC").
		Find(&members).Error
	return members, err
}

// ListGroupHistory returns the runs that left a group, in the order they
// left.
func (s *GormStorage) ListGroupHistory(ctx context.Context, groupResultID uint64) ([]*core.StudyResult, error) {
	var members []*core.StudyResult
	err := s.db.WithContext(ctx).
		Select("study_results.*").
		Joins("JOIN group_histories ON group_histories.study_result_id = study_results.id").
		Where("group_histories.group_result_id = ?", groupResultID).
		Order("group_histories.id ASC").
		Find(&members).Error
	return members, err
}

// JoinGroupResult admits sr to the group with a single conditional update
// that carries every capacity predicate. Concurrent joiners that lose the
// race see zero affected rows and get false.
func (s *GormStorage) JoinGroupResult(ctx context.Context, groupResultID uint64, sr *core.StudyResult, batch *core.Batch) (bool, error) {
	joined := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&core.GroupResult{}).
			Where("id = ? AND batch_id = ? AND state = ? AND fixed = ?", groupResultID, batch.ID, core.GroupStarted, false).
			Where("id NOT IN (?)", tx.Model(&core.GroupHistory{}).Select("group_result_id").Where("study_result_id = ?", sr.ID))
		if batch.MaxActiveMembers != nil {
			q = q.Where("active_member_count < ?", *batch.MaxActiveMembers)
		}
		if batch.MaxTotalMembers != nil {
			q = q.Where("total_member_count < ?", *batch.MaxTotalMembers)
		}
		res := q.Updates(map[string]any{
			"active_member_count": gorm.Expr("active_member_count + 1"),
			"total_member_count":  gorm.Expr("total_member_count + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := attachMember(tx, sr.ID, groupResultID); err != nil {
			return err
		}
		joined = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if joined {
		gid := groupResultID
		sr.ActiveGroupResultID = &gid
	}
	return joined, nil
}

// CreateGroupResultWithMember creates a STARTED group with sr as its only
// member.
func (s *GormStorage) CreateGroupResultWithMember(ctx context.Context, gr *core.GroupResult, sr *core.StudyResult) error {
	gr.State = core.GroupStarted
	gr.ActiveMemberCount = 1
	gr.TotalMemberCount = 1
	if gr.StartDate.IsZero() {
		gr.StartDate = time.Now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(gr).Error; err != nil {
			return err
		}
		return attachMember(tx, sr.ID, gr.ID)
	})
	if err != nil {
		gr.ID = 0
		return err
	}
	gid := gr.ID
	sr.ActiveGroupResultID = &gid
	return nil
}

func attachMember(tx *gorm.DB, studyResultID, groupResultID uint64) error {
	res := tx.Model(&core.StudyResult{}).
		Where("id = ? AND active_group_result_id IS NULL", studyResultID).
		Update("active_group_result_id", groupResultID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.BadRequest("study result %d already belongs to a group", studyResultID)
	}
	return nil
}

// LeaveGroupResult moves sr into the history of its group. The group is
// FINISHED once its last current member has left.
func (s *GormStorage) LeaveGroupResult(ctx context.Context, sr *core.StudyResult) error {
	if sr.ActiveGroupResultID == nil {
		return nil
	}
	gid := *sr.ActiveGroupResultID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&core.StudyResult{}).
			Where("id = ? AND active_group_result_id = ?", sr.ID, gid).
			Updates(map[string]any{
				"active_group_result_id":  nil,
				"history_group_result_id": gid,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&core.GroupHistory{GroupResultID: gid, StudyResultID: sr.ID, LeftDate: time.Now()}).Error
		if err != nil {
			return err
		}

		err = tx.Model(&core.GroupResult{}).
			Where("id = ? AND active_member_count > 0", gid).
			Update("active_member_count", gorm.Expr("active_member_count - 1")).Error
		if err != nil {
			return err
		}

		return tx.Model(&core.GroupResult{}).
			Where("id = ? AND state = ? AND active_member_count = 0", gid, core.GroupStarted).
			Updates(map[string]any{
				"state":    core.GroupFinished,
				"end_date": time.Now(),
			}).Error
	})
	if err != nil {
		return err
	}

	sr.ActiveGroupResultID = nil
	sr.HistoryGroupResultID = &gid
	return nil
}

// FixGroupResult closes a group to new members.
func (s *GormStorage) FixGroupResult(ctx context.Context, groupResultID uint64) error {
	res := s.db.WithContext(ctx).
		Model(&core.GroupResult{}).
		Where("id = ?", groupResultID).
		Update("fixed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.NotFound("group result %d not found", groupResultID)
	}
	return nil
}

var _ core.Storage = (*GormStorage)(nil)
