package idcookie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func u64(n uint64) *uint64 { return &n }

func fullToken() Token {
	return Token{
		WorkerID:          7,
		WorkerType:        core.WorkerGeneralSingle,
		BatchID:           3,
		GroupResultID:     u64(12),
		StudyID:           2,
		StudyResultID:     41,
		ComponentID:       5,
		ComponentResultID: 88,
		ComponentPosition: 1,
		CreationTime:      1700000000000,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Codec
// ──────────────────────────────────────────────────────────────────────────────

func TestEncode_FixedOrder(t *testing.T) {
	assert.Equal(t,
		"workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=12&studyId=2&studyResultId=41&componentId=5&componentResultId=88&componentPosition=1&creationTime=1700000000000",
		Encode(fullToken()))
}

func TestEncode_NullGroupAndNoComponent(t *testing.T) {
	tok := Token{
		WorkerID:      1,
		WorkerType:    core.WorkerJatos,
		BatchID:       2,
		StudyID:       3,
		StudyResultID: 4,
		CreationTime:  5,
	}
	assert.Equal(t,
		"workerId=1&workerType=Jatos&batchId=2&groupResultId=null&studyId=3&studyResultId=4&creationTime=5",
		Encode(tok))
}

func TestRoundTrip(t *testing.T) {
	noGroup := fullToken()
	noGroup.GroupResultID = nil

	noComponent := fullToken()
	noComponent.ComponentID, noComponent.ComponentResultID, noComponent.ComponentPosition = 0, 0, 0

	bare := noComponent
	bare.GroupResultID = nil

	tests := map[string]Token{
		"full":         fullToken(),
		"null group":   noGroup,
		"no component": noComponent,
		"bare":         bare,
	}
	for _, wt := range core.AllWorkerTypes {
		tok := fullToken()
		tok.WorkerType = wt
		tests["type "+string(wt)] = tok
	}

	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(Encode(tok))
			require.NoError(t, err)
			assert.Equal(t, tok, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	valid := Encode(fullToken())
	tests := map[string]string{
		"empty":              "",
		"no equals":          "workerId",
		"missing studyId":    "workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyResultId=41&creationTime=1",
		"non numeric id":     "workerId=x&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&creationTime=1",
		"zero id":            "workerId=0&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&creationTime=1",
		"negative id":        "workerId=-7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&creationTime=1",
		"bad group":          "workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=abc&studyId=2&studyResultId=41&creationTime=1",
		"unknown type":       "workerId=7&workerType=Robot&batchId=3&groupResultId=null&studyId=2&studyResultId=41&creationTime=1",
		"partial component":  "workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&componentId=5&creationTime=1",
		"bad position":       "workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&componentId=5&componentResultId=8&componentPosition=0&creationTime=1",
		"bad creation time":  "workerId=7&workerType=GeneralSingle&batchId=3&groupResultId=null&studyId=2&studyResultId=41&creationTime=soon",
		"duplicate key":      valid + "&studyId=9",
		"trailing separator": valid + "&",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformedToken)
			assert.Equal(t, core.KindMalformedToken, core.KindOf(err))
		})
	}
}

func TestDecode_IgnoresUnknownKeys(t *testing.T) {
	got, err := Decode(Encode(fullToken()) + "&colour=blue")
	require.NoError(t, err)
	assert.Equal(t, fullToken(), got)
}

// ──────────────────────────────────────────────────────────────────────────────
// Jar
// ──────────────────────────────────────────────────────────────────────────────

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{BaseName: "RUN IDS", MaxTokens: 10}.Validate())
	assert.Error(t, Config{BaseName: "RUN_IDS", MaxTokens: 0}.Validate())
	assert.Error(t, Config{BaseName: "RUN_IDS", MaxTokens: 51}.Validate())
	assert.Equal(t, "RUN_IDS_3", DefaultConfig().Name(3))
}

func TestExtract(t *testing.T) {
	cfg := DefaultConfig()
	a := fullToken()
	b := fullToken()
	b.StudyResultID = 42

	cookies := []*http.Cookie{
		{Name: "RUN_IDS_0", Value: Encode(a)},
		{Name: "RUN_IDS_4", Value: Encode(b)},
		{Name: "RUN_IDS_2", Value: "workerId=7&studyId=oops"},
		{Name: "RUN_IDS_10", Value: Encode(a)},
		{Name: "RUN_IDS_x", Value: Encode(a)},
		{Name: "session", Value: "unrelated"},
	}
	jar := Extract(cookies, cfg, quietLogger())

	assert.Equal(t, 2, jar.Len())
	got, ok := jar.Get(42)
	require.True(t, ok)
	assert.Equal(t, b, got)
	slot, ok := jar.SlotOf(41)
	require.True(t, ok)
	assert.Equal(t, 0, slot)

	ch := jar.Changes()
	assert.Empty(t, ch.Set)
	assert.ElementsMatch(t, []string{"RUN_IDS_2", "RUN_IDS_10", "RUN_IDS_x"}, ch.Expire)
}

func TestExtract_DuplicateRunKeepsNewest(t *testing.T) {
	older := fullToken()
	newer := fullToken()
	newer.CreationTime++

	jar := Extract([]*http.Cookie{
		{Name: "RUN_IDS_5", Value: Encode(newer)},
		{Name: "RUN_IDS_1", Value: Encode(older)},
	}, DefaultConfig(), quietLogger())

	assert.Equal(t, 1, jar.Len())
	slot, ok := jar.SlotOf(older.StudyResultID)
	require.True(t, ok)
	assert.Equal(t, 5, slot)
	assert.Equal(t, []string{"RUN_IDS_1"}, jar.Changes().Expire)
}

func TestJar_DiscardAndChanges(t *testing.T) {
	jar := NewJar(DefaultConfig())
	tok := fullToken()
	jar.Put(3, tok)

	ch := jar.Changes()
	require.Len(t, ch.Set, 1)
	assert.Equal(t, Cookie{Name: "RUN_IDS_3", Value: Encode(tok)}, ch.Set[0])

	assert.True(t, jar.Discard(tok.StudyResultID))
	assert.False(t, jar.Discard(tok.StudyResultID))
	ch = jar.Changes()
	assert.Empty(t, ch.Set)
	assert.Equal(t, []string{"RUN_IDS_3"}, ch.Expire)
	assert.Equal(t, 0, jar.Len())
}

// ──────────────────────────────────────────────────────────────────────────────
// Writer
// ──────────────────────────────────────────────────────────────────────────────

type tickClock struct{ t time.Time }

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func params(studyResultID uint64) Params {
	return Params{
		Batch:       &core.Batch{ID: 3},
		StudyResult: &core.StudyResult{ID: studyResultID, StudyID: 2},
		Worker:      &core.Worker{ID: 7, Type: core.WorkerGeneralMultiple},
	}
}

func TestWriter_ReusesSlotOfRun(t *testing.T) {
	clock := &tickClock{t: time.UnixMilli(1000)}
	w := NewWriter(WithClock(clock.now), WithLogger(quietLogger()))
	jar := NewJar(DefaultConfig())
	ctx := context.Background()

	_, err := w.Write(ctx, jar, params(1))
	require.NoError(t, err)
	_, err = w.Write(ctx, jar, params(2))
	require.NoError(t, err)

	p := params(1)
	gid := uint64(9)
	p.StudyResult.ActiveGroupResultID = &gid
	p.Component = &core.Component{ID: 5, Position: 2}
	p.ComponentResult = &core.ComponentResult{ID: 77}
	tok, err := w.Write(ctx, jar, p)
	require.NoError(t, err)

	assert.Equal(t, 2, jar.Len())
	slot, _ := jar.SlotOf(1)
	assert.Equal(t, 0, slot)
	assert.Equal(t, uint64(9), *tok.GroupResultID)
	assert.Equal(t, 2, tok.ComponentPosition)
	assert.Equal(t, uint64(77), tok.ComponentResultID)
}

func TestWriter_LowestFreeSlot(t *testing.T) {
	w := NewWriter(WithLogger(quietLogger()))
	jar := NewJar(DefaultConfig())
	jar.Put(0, Token{StudyResultID: 100})
	jar.Put(2, Token{StudyResultID: 102})

	_, err := w.Write(context.Background(), jar, params(5))
	require.NoError(t, err)
	slot, ok := jar.SlotOf(5)
	require.True(t, ok)
	assert.Equal(t, 1, slot)
}

func TestWriter_EvictsOldestAndAbandonsIt(t *testing.T) {
	var abandoned []uint64
	w := NewWriter(
		WithLogger(quietLogger()),
		WithAbandon(func(_ context.Context, id uint64) error {
			abandoned = append(abandoned, id)
			return nil
		}),
	)
	jar := NewJar(DefaultConfig())
	for i := 0; i < 10; i++ {
		jar.Put(i, Token{StudyResultID: uint64(100 + i), CreationTime: int64(1000 - i)})
	}

	_, err := w.Write(context.Background(), jar, params(500))
	require.NoError(t, err)

	assert.Equal(t, 10, jar.Len())
	assert.Equal(t, []uint64{109}, abandoned, "slot 9 holds the oldest token")
	slot, ok := jar.SlotOf(500)
	require.True(t, ok)
	assert.Equal(t, 9, slot)
	_, ok = jar.Get(109)
	assert.False(t, ok)
}

func TestWriter_AbandonFailureKeepsSlot(t *testing.T) {
	boom := errors.New("boom")
	w := NewWriter(
		WithLogger(quietLogger()),
		WithAbandon(func(context.Context, uint64) error { return boom }),
	)
	jar := NewJar(Config{BaseName: "RUN_IDS", MaxTokens: 1})
	jar.Put(0, Token{StudyResultID: 1})

	_, err := w.Write(context.Background(), jar, params(2))
	require.ErrorIs(t, err, boom)
	_, ok := jar.Get(1)
	assert.True(t, ok)
}

func TestWriter_SmallJarRotates(t *testing.T) {
	clock := &tickClock{t: time.UnixMilli(0)}
	var abandoned []uint64
	w := NewWriter(
		WithClock(clock.now),
		WithLogger(quietLogger()),
		WithAbandon(func(_ context.Context, id uint64) error {
			abandoned = append(abandoned, id)
			return nil
		}),
	)
	jar := NewJar(Config{BaseName: "RUN_IDS", MaxTokens: 3})
	for i := 1; i <= 6; i++ {
		_, err := w.Write(context.Background(), jar, params(uint64(i)))
		require.NoError(t, err, fmt.Sprintf("write %d", i))
	}
	assert.Equal(t, []uint64{1, 2, 3}, abandoned)
	assert.Equal(t, 3, jar.Len())
}
