package core

import "time"

// Event is the interface for all run events.
type Event interface {
	eventMarker()
}

// RunStarted is emitted when a worker starts a study.
type RunStarted struct {
	StudyResult *StudyResult
	Worker      *Worker
	Timestamp   time.Time
}

func (*RunStarted) eventMarker() {}

// ComponentStartedEvent is emitted when a new component result is created.
type ComponentStartedEvent struct {
	StudyResult     *StudyResult
	ComponentResult *ComponentResult
	Timestamp       time.Time
}

func (*ComponentStartedEvent) eventMarker() {}

// ComponentReloadedEvent is emitted when a reloadable component is started again.
type ComponentReloadedEvent struct {
	StudyResult     *StudyResult
	ComponentResult *ComponentResult
	Timestamp       time.Time
}

func (*ComponentReloadedEvent) eventMarker() {}

// RunFinished is emitted when a run finishes successfully.
type RunFinished struct {
	StudyResult *StudyResult
	Duration    time.Duration
	Timestamp   time.Time
}

func (*RunFinished) eventMarker() {}

// RunFailed is emitted when a run ends in FAIL.
type RunFailed struct {
	StudyResult *StudyResult
	Reason      string
	Timestamp   time.Time
}

func (*RunFailed) eventMarker() {}

// RunAborted is emitted when a worker aborts a run.
type RunAborted struct {
	StudyResult *StudyResult
	Message     string
	Timestamp   time.Time
}

func (*RunAborted) eventMarker() {}

// RunAbandoned is emitted when a run loses its token slot before it ended.
type RunAbandoned struct {
	StudyResult *StudyResult
	Timestamp   time.Time
}

func (*RunAbandoned) eventMarker() {}

// GroupJoined is emitted when a run becomes a member of a group.
type GroupJoined struct {
	StudyResult *StudyResult
	GroupResult *GroupResult
	Timestamp   time.Time
}

func (*GroupJoined) eventMarker() {}

// GroupLeft is emitted when a run leaves its group.
type GroupLeft struct {
	StudyResult   *StudyResult
	GroupResultID uint64
	Timestamp     time.Time
}

func (*GroupLeft) eventMarker() {}
