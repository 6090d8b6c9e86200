package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_IsSQLite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := NewGormStorage(db)
	assert.True(t, s.IsSQLite())
	assert.Same(t, db, s.DB())
}

func TestNewGormStorage_NilDB(t *testing.T) {
	s := NewGormStorage(nil)
	assert.False(t, s.IsSQLite(), "nil db should not claim SQLite")
}

func TestDialector_SelectsDriver(t *testing.T) {
	assert.Equal(t, "postgres", Dialector("postgres://u:p@localhost/runs").Name())
	assert.Equal(t, "postgres", Dialector("postgresql://localhost/runs").Name())
	assert.Equal(t, "sqlite", Dialector("runs.db").Name())
	assert.Equal(t, "sqlite", Dialector(":memory:").Name())
}

func TestOpen_MemoryIsSingleConnection(t *testing.T) {
	db, err := Open(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

// ──────────────────────────────────────────────────────────────────────────────
// Studies
// ──────────────────────────────────────────────────────────────────────────────

func TestGetStudy_PreloadsComponentsInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{Title: "default"})

	got, err := s.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Components, 2)
	assert.Equal(t, 1, got.Components[0].Position)
	assert.Equal(t, "intro", got.Components[0].Title)
	require.Len(t, got.Batches, 1)
	assert.Equal(t, batch.ID, got.Batches[0].ID)

	comp, err := s.GetComponent(ctx, got.Components[1].ID)
	require.NoError(t, err)
	assert.Equal(t, study.ID, comp.StudyID)
}

func TestGetStudy_NotFoundReturnsNil(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.GetStudy(context.Background(), 999)
	assert.NoError(t, err)
	assert.Nil(t, got)

	b, err := s.GetBatch(context.Background(), 999)
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestStudyMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, _ := seedStudy(t, s, core.Batch{})

	require.NoError(t, s.AddStudyMember(ctx, study.ID, "alice"))
	require.NoError(t, s.AddStudyMember(ctx, study.ID, "alice"), "adding twice is a no-op")

	ok, err := s.IsStudyMember(ctx, study.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsStudyMember(ctx, study.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatch_AllowedWorkerTypesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_, batch := seedStudy(t, s, core.Batch{
		AllowedWorkerTypes: core.WorkerTypes{core.WorkerGeneralSingle, core.WorkerJatos},
		MaxTotalWorkers:    intPtr(3),
	})

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkerTypes{core.WorkerGeneralSingle, core.WorkerJatos}, got.AllowedWorkerTypes)
	require.NotNil(t, got.MaxTotalWorkers)
	assert.Equal(t, 3, *got.MaxTotalWorkers)
	assert.Nil(t, got.MaxActiveMembers)
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch admission
// ──────────────────────────────────────────────────────────────────────────────

func TestAddBatchWorker_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_, batch := seedStudy(t, s, core.Batch{MaxTotalWorkers: intPtr(2)})
	w := newWorker(t, s, core.WorkerGeneralSingle)

	require.NoError(t, s.AddBatchWorker(ctx, batch, w))
	require.NoError(t, s.AddBatchWorker(ctx, batch, w))
	assert.Equal(t, 1, batch.WorkerCount)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.WorkerCount)

	ok, err := s.IsBatchWorker(ctx, batch.ID, w.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddBatchWorker_FullRollsBackMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_, batch := seedStudy(t, s, core.Batch{MaxTotalWorkers: intPtr(1)})
	w1 := newWorker(t, s, core.WorkerGeneralSingle)
	w2 := newWorker(t, s, core.WorkerGeneralSingle)

	require.NoError(t, s.AddBatchWorker(ctx, batch, w1))
	err := s.AddBatchWorker(ctx, batch, w2)
	assert.ErrorIs(t, err, core.ErrBatchFull)

	ok, err := s.IsBatchWorker(ctx, batch.ID, w2.ID)
	require.NoError(t, err)
	assert.False(t, ok, "rejected worker must not be recorded")
}

func TestAddBatchWorker_JatosNotCounted(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_, batch := seedStudy(t, s, core.Batch{MaxTotalWorkers: intPtr(1)})
	w := newWorker(t, s, core.WorkerPersonalMultiple)
	name := "alice"
	jatos := &core.Worker{Type: core.WorkerJatos, Username: &name}
	require.NoError(t, s.CreateWorker(ctx, jatos))

	require.NoError(t, s.AddBatchWorker(ctx, batch, w))
	require.NoError(t, s.AddBatchWorker(ctx, batch, jatos))
	assert.Equal(t, 1, batch.WorkerCount)
}

func TestAddBatchWorker_ConcurrentAdmissionsRespectLimit(t *testing.T) {
	ctx := context.Background()
	s := NewGormStorage(openConcurrentTestDB(t))
	require.NoError(t, s.Migrate(ctx))
	_, batch := seedStudy(t, s, core.Batch{MaxTotalWorkers: intPtr(5)})

	const n = 20
	workers := make([]*core.Worker, n)
	for i := range workers {
		workers[i] = newWorker(t, s, core.WorkerGeneralMultiple)
	}

	var admitted, full atomic.Int64
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *core.Worker) {
			defer wg.Done()
			b := *batch
			err := s.AddBatchWorker(ctx, &b, w)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, core.ErrBatchFull):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
	assert.Equal(t, int64(n-5), full.Load())

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.WorkerCount)
}

// ──────────────────────────────────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────────────────────────────────

func TestFindMTurkWorker(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id := "A1B2"
	w := &core.Worker{Type: core.WorkerMTurk, MTWorkerID: &id}
	require.NoError(t, s.CreateWorker(ctx, w))

	got, err := s.FindMTurkWorker(ctx, core.WorkerMTurk, "A1B2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)

	got, err = s.FindMTurkWorker(ctx, core.WorkerMTurkSandbox, "A1B2")
	require.NoError(t, err)
	assert.Nil(t, got, "sandbox and live MTurk workers are distinct")

	dup := &core.Worker{Type: core.WorkerMTurk, MTWorkerID: &id}
	err = s.CreateWorker(ctx, dup)
	assert.ErrorIs(t, err, core.ErrDuplicate)
	assert.True(t, IsDuplicate(err))
}

func TestFindJatosWorker(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	name := "alice"
	w := &core.Worker{Type: core.WorkerJatos, Username: &name}
	require.NoError(t, s.CreateWorker(ctx, w))

	got, err := s.FindJatosWorker(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.AccountName())

	got, err = s.FindJatosWorker(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateWorker_GeneralWorkersDoNotCollide(t *testing.T) {
	s := newTestStorage(t)
	a := newWorker(t, s, core.WorkerGeneralSingle)
	b := newWorker(t, s, core.WorkerGeneralSingle)
	assert.NotEqual(t, a.ID, b.ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Study and component results
// ──────────────────────────────────────────────────────────────────────────────

func TestStudyResult_RoundTripWithComponentResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	w := newWorker(t, s, core.WorkerGeneralMultiple)
	sr := newStudyResult(t, s, study, batch, w)

	first := &core.ComponentResult{StudyResultID: sr.ID, ComponentID: study.Components[0].ID, State: core.ComponentReloaded}
	second := &core.ComponentResult{StudyResultID: sr.ID, ComponentID: study.Components[0].ID, State: core.ComponentStarted}
	require.NoError(t, s.CreateComponentResult(ctx, first))
	require.NoError(t, s.CreateComponentResult(ctx, second))

	second.State = core.ComponentResultDataPosted
	second.Data = "payload"
	require.NoError(t, s.UpdateComponentResult(ctx, second))

	code := "abc"
	sr.ConfirmationCode = &code
	sr.SessionData = `{"k":1}`
	require.NoError(t, s.UpdateStudyResult(ctx, sr))

	got, err := s.GetStudyResult(ctx, sr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.ComponentResults, 2)
	assert.Equal(t, first.ID, got.ComponentResults[0].ID)
	assert.Equal(t, core.ComponentResultDataPosted, got.ComponentResults[1].State)
	assert.Equal(t, "payload", got.ComponentResults[1].Data)
	require.NotNil(t, got.ConfirmationCode)
	assert.Equal(t, "abc", *got.ConfirmationCode)
	assert.Equal(t, `{"k":1}`, got.SessionData)
}

func TestTouchStudyResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	seen := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.TouchStudyResult(ctx, sr.ID, seen))

	got, err := s.GetStudyResult(ctx, sr.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, seen, got.LastSeenDate, time.Second)

	assert.ErrorIs(t, s.TouchStudyResult(ctx, 4242, seen), core.ErrNotFound)
}

func TestSaveSessionData(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	gid := uint64(77)
	require.NoError(t, s.db.Model(&core.StudyResult{}).Where("id = ?", sr.ID).Update("active_group_result_id", gid).Error)

	require.NoError(t, s.SaveSessionData(ctx, sr.ID, `{"round":2}`, time.Now()))
	got, err := s.GetStudyResult(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"round":2}`, got.SessionData)
	require.NotNil(t, got.ActiveGroupResultID, "membership untouched")
	assert.Equal(t, gid, *got.ActiveGroupResultID)

	got.State = core.StudyFinished
	require.NoError(t, s.UpdateStudyResult(ctx, got))
	assert.ErrorIs(t, s.SaveSessionData(ctx, sr.ID, "late", time.Now()), core.ErrNotFound)
}

func TestListStudyResultsByWorker(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	w := newWorker(t, s, core.WorkerGeneralMultiple)
	other := newWorker(t, s, core.WorkerGeneralMultiple)

	a := newStudyResult(t, s, study, batch, w)
	newStudyResult(t, s, study, batch, other)
	b := newStudyResult(t, s, study, batch, w)

	results, err := s.ListStudyResultsByWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a.ID, results[0].ID)
	assert.Equal(t, b.ID, results[1].ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Group results
// ──────────────────────────────────────────────────────────────────────────────

func TestGroupResult_CreateJoinLeave(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{MaxActiveMembers: intPtr(2)})
	sr1 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr2 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr3 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	gr := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, gr, sr1))
	require.NotNil(t, sr1.ActiveGroupResultID)
	assert.Equal(t, gr.ID, *sr1.ActiveGroupResultID)

	ok, err := s.JoinGroupResult(ctx, gr.ID, sr2, batch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.JoinGroupResult(ctx, gr.ID, sr3, batch)
	require.NoError(t, err)
	assert.False(t, ok, "group is at MaxActiveMembers")
	assert.Nil(t, sr3.ActiveGroupResultID)

	members, err := s.ListGroupMembers(ctx, gr.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, s.LeaveGroupResult(ctx, sr1))
	assert.Nil(t, sr1.ActiveGroupResultID)
	require.NotNil(t, sr1.HistoryGroupResultID)
	assert.Equal(t, gr.ID, *sr1.HistoryGroupResultID)

	got, err := s.GetGroupResult(ctx, gr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveMemberCount)
	assert.Equal(t, 2, got.TotalMemberCount)
	assert.Equal(t, core.GroupStarted, got.State)

	require.NoError(t, s.LeaveGroupResult(ctx, sr2))
	got, err = s.GetGroupResult(ctx, gr.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveMemberCount)
	assert.Equal(t, core.GroupFinished, got.State)
	assert.NotNil(t, got.EndDate)

	open, err := s.ListOpenGroupResults(ctx, batch.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGroupResult_LeaveWithoutGroupIsNoop(t *testing.T) {
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	require.NoError(t, s.LeaveGroupResult(context.Background(), sr))
	assert.Nil(t, sr.HistoryGroupResultID)
}

func TestGroupResult_HistoryKeepsEveryLeaver(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr1 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr2 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr3 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	gr := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, gr, sr1))
	for _, sr := range []*core.StudyResult{sr2, sr3} {
		ok, err := s.JoinGroupResult(ctx, gr.ID, sr, batch)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, s.LeaveGroupResult(ctx, sr1))
	require.NoError(t, s.LeaveGroupResult(ctx, sr2))

	other := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, other, sr1))
	require.NoError(t, s.LeaveGroupResult(ctx, sr1))
	assert.Equal(t, other.ID, *sr1.HistoryGroupResultID)

	history, err := s.ListGroupHistory(ctx, gr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sr1.ID, history[0].ID)
	assert.Equal(t, sr2.ID, history[1].ID)

	for _, sr := range []*core.StudyResult{sr1, sr2} {
		ok, err := s.JoinGroupResult(ctx, gr.ID, sr, batch)
		require.NoError(t, err)
		assert.False(t, ok, "study result %d left this group before", sr.ID)
		assert.Nil(t, sr.ActiveGroupResultID)
	}

	got, err := s.GetGroupResult(ctx, gr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveMemberCount)
	assert.Equal(t, 3, got.TotalMemberCount)
}

func TestGroupResult_MaxTotalMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{MaxTotalMembers: intPtr(2)})
	sr1 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr2 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr3 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	gr := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, gr, sr1))
	ok, err := s.JoinGroupResult(ctx, gr.ID, sr2, batch)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.LeaveGroupResult(ctx, sr2))
	ok, err = s.JoinGroupResult(ctx, gr.ID, sr3, batch)
	require.NoError(t, err)
	assert.False(t, ok, "total member limit counts members that already left")
}

func TestGroupResult_FixedGroupRejectsJoins(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr1 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr2 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	gr := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, gr, sr1))
	require.NoError(t, s.FixGroupResult(ctx, gr.ID))

	ok, err := s.JoinGroupResult(ctx, gr.ID, sr2, batch)
	require.NoError(t, err)
	assert.False(t, ok)

	open, err := s.ListOpenGroupResults(ctx, batch.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, s.FixGroupResult(ctx, 9999), core.ErrNotFound)
}

func TestGroupResult_MemberCannotJoinTwoGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	study, batch := seedStudy(t, s, core.Batch{})
	sr1 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	sr2 := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))

	g1 := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, g1, sr1))
	g2 := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, g2, sr2))

	stale := *sr1
	stale.ActiveGroupResultID = nil
	_, err := s.JoinGroupResult(ctx, g2.ID, &stale, batch)
	assert.ErrorIs(t, err, core.ErrBadRequest)

	got, err := s.GetGroupResult(ctx, g2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveMemberCount, "failed attach must roll the counter back")
}

func TestJoinGroupResult_ConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewGormStorage(openConcurrentTestDB(t))
	require.NoError(t, s.Migrate(ctx))
	study, batch := seedStudy(t, s, core.Batch{MaxActiveMembers: intPtr(2)})

	owner := newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	gr := &core.GroupResult{BatchID: batch.ID}
	require.NoError(t, s.CreateGroupResultWithMember(ctx, gr, owner))

	const n = 50
	joiners := make([]*core.StudyResult, n)
	for i := range joiners {
		joiners[i] = newStudyResult(t, s, study, batch, newWorker(t, s, core.WorkerGeneralMultiple))
	}

	var joined atomic.Int64
	var wg sync.WaitGroup
	for _, sr := range joiners {
		wg.Add(1)
		go func(sr *core.StudyResult) {
			defer wg.Done()
			ok, err := s.JoinGroupResult(ctx, gr.ID, sr, batch)
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			if ok {
				joined.Add(1)
			}
		}(sr)
	}
	wg.Wait()

	assert.Equal(t, int64(1), joined.Load())
	got, err := s.GetGroupResult(ctx, gr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ActiveMemberCount)

	members, err := s.ListGroupMembers(ctx, gr.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}
