package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentState_OrdinalOrder(t *testing.T) {
	order := []ComponentState{
		ComponentStarted,
		ComponentDataRetrieved,
		ComponentResultDataPosted,
		ComponentFinished,
		ComponentReloaded,
		ComponentAborted,
		ComponentFail,
	}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Ordinal(), order[i].Ordinal(), "%s before %s", order[i-1], order[i])
	}
	assert.Equal(t, -1, ComponentState("BOGUS").Ordinal())
}

func TestComponentState_IsDone(t *testing.T) {
	assert.False(t, ComponentStarted.IsDone())
	assert.False(t, ComponentDataRetrieved.IsDone())
	assert.False(t, ComponentResultDataPosted.IsDone())
	assert.True(t, ComponentFinished.IsDone())
	assert.True(t, ComponentReloaded.IsDone())
	assert.True(t, ComponentAborted.IsDone())
	assert.True(t, ComponentFail.IsDone())
}

func TestStudyState_IsDone(t *testing.T) {
	assert.False(t, StudyPre.IsDone())
	assert.False(t, StudyStarted.IsDone())
	assert.False(t, StudyDataRetrieved.IsDone())
	assert.True(t, StudyFinished.IsDone())
	assert.True(t, StudyAborted.IsDone())
	assert.True(t, StudyFail.IsDone())
}

func TestWorker_SingleUse(t *testing.T) {
	single := map[WorkerType]bool{
		WorkerPersonalSingle: true,
		WorkerGeneralSingle:  true,
		WorkerTester:         true,
	}
	for _, wt := range AllWorkerTypes {
		w := &Worker{Type: wt}
		assert.Equal(t, single[wt], w.IsSingleUse(), string(wt))
	}
}

func TestWorker_GenerateConfirmationCode(t *testing.T) {
	for _, wt := range AllWorkerTypes {
		w := &Worker{Type: wt}
		code := w.GenerateConfirmationCode()
		if wt == WorkerJatos || wt == WorkerTester {
			assert.Nil(t, code, string(wt))
			continue
		}
		require.NotNil(t, code, string(wt))
		assert.Len(t, *code, 36)
	}

	w := &Worker{Type: WorkerGeneralMultiple}
	assert.NotEqual(t, *w.GenerateConfirmationCode(), *w.GenerateConfirmationCode())
}

func TestParseWorkerType(t *testing.T) {
	wt, err := ParseWorkerType("GeneralSingle")
	require.NoError(t, err)
	assert.Equal(t, WorkerGeneralSingle, wt)

	_, err = ParseWorkerType("Robot")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestStudy_FirstActiveComponent(t *testing.T) {
	s := &Study{Components: []Component{
		{ID: 3, Position: 3, Active: true},
		{ID: 1, Position: 1, Active: false},
		{ID: 2, Position: 2, Active: true},
	}}
	first := s.FirstActiveComponent()
	require.NotNil(t, first)
	assert.Equal(t, uint64(2), first.ID)

	assert.Nil(t, (&Study{}).FirstActiveComponent())
	assert.True(t, s.HasComponent(1))
	assert.False(t, s.HasComponent(9))
}

func TestBatch_Allows(t *testing.T) {
	b := &Batch{AllowedWorkerTypes: WorkerTypes{WorkerGeneralSingle, WorkerJatos}}
	assert.True(t, b.Allows(WorkerJatos))
	assert.False(t, b.Allows(WorkerMTurk))
}

func TestStudyResult_OpenComponentResult(t *testing.T) {
	sr := &StudyResult{}
	assert.Nil(t, sr.OpenComponentResult())

	sr.ComponentResults = []ComponentResult{{ID: 1, State: ComponentReloaded}, {ID: 2, State: ComponentStarted}}
	require.NotNil(t, sr.OpenComponentResult())
	assert.Equal(t, uint64(2), sr.OpenComponentResult().ID)

	sr.ComponentResults[1].State = ComponentFinished
	assert.Nil(t, sr.OpenComponentResult())
	assert.Equal(t, uint64(2), sr.CurrentComponentResult().ID)
}

func TestError_Kinds(t *testing.T) {
	tests := []struct {
		err      error
		kind     Kind
		sentinel error
	}{
		{NotFound("study %d", 1), KindNotFound, ErrNotFound},
		{BadRequest("bad"), KindBadRequest, ErrBadRequest},
		{Forbidden("no"), KindForbidden, ErrForbidden},
		{ReloadForbidden("reload"), KindReloadForbidden, ErrReloadForbidden},
		{MalformedToken(errors.New("x")), KindMalformedToken, ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.ErrorIs(t, tt.err, tt.sentinel)

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestError_MessageAndInternal(t *testing.T) {
	assert.Equal(t, "study 7", MessageOf(NotFound("study %d", 7)))
	assert.Equal(t, "internal error", MessageOf(errors.New("db down")))
	assert.Equal(t, KindInternal, KindOf(errors.New("db down")))
	assert.Equal(t, KindInternal, KindOf(nil))
	assert.Equal(t, KindForbidden, KindOf(fmt.Errorf("wrap: %w", ErrForbidden)))

	err := MalformedToken(errors.New("missing studyId"))
	assert.Contains(t, err.Error(), "missing studyId")
	assert.NotErrorIs(t, err, ErrNotFound)
}
