package core

import "time"

// StudyState is the lifecycle state of a StudyResult.
type StudyState string

const (
	StudyPre           StudyState = "PRE"
	StudyStarted       StudyState = "STARTED"
	StudyDataRetrieved StudyState = "DATA_RETRIEVED"
	StudyFinished      StudyState = "FINISHED"
	StudyAborted       StudyState = "ABORTED"
	StudyFail          StudyState = "FAIL"
)

// IsDone reports whether the run reached a terminal state.
func (s StudyState) IsDone() bool {
	return s == StudyFinished || s == StudyAborted || s == StudyFail
}

// ComponentState is the lifecycle state of a ComponentResult. States are
// ordered and only ever move forward.
type ComponentState string

const (
	ComponentStarted          ComponentState = "STARTED"
	ComponentDataRetrieved    ComponentState = "DATA_RETRIEVED"
	ComponentResultDataPosted ComponentState = "RESULTDATA_POSTED"
	ComponentFinished         ComponentState = "FINISHED"
	ComponentReloaded         ComponentState = "RELOADED"
	ComponentAborted          ComponentState = "ABORTED"
	ComponentFail             ComponentState = "FAIL"
)

// Ordinal returns the position of s in the forward order, or -1 for an
// unknown state.
func (s ComponentState) Ordinal() int {
	switch s {
	case ComponentStarted:
		return 0
	case ComponentDataRetrieved:
		return 1
	case ComponentResultDataPosted:
		return 2
	case ComponentFinished:
		return 3
	case ComponentReloaded:
		return 4
	case ComponentAborted:
		return 5
	case ComponentFail:
		return 6
	}
	return -1
}

// IsDone reports whether the component result is closed.
func (s ComponentState) IsDone() bool {
	switch s {
	case ComponentFinished, ComponentAborted, ComponentFail, ComponentReloaded:
		return true
	}
	return false
}

// GroupState is the lifecycle state of a GroupResult.
type GroupState string

const (
	GroupStarted  GroupState = "STARTED"
	GroupFinished GroupState = "FINISHED"
)

// StudyResult is one run of a study by one worker in one batch.
type StudyResult struct {
	ID                  uint64     `gorm:"primaryKey"`
	State               StudyState `gorm:"size:20;not null;index"`
	StudyID             uint64     `gorm:"index;not null"`
	BatchID             uint64     `gorm:"index;not null"`
	WorkerID            uint64     `gorm:"index;not null"`
	WorkerType          WorkerType `gorm:"size:32;not null"`
	ActiveGroupResultID *uint64    `gorm:"index"`
	// HistoryGroupResultID is the group the run left last. Every group it
	// ever left is recorded as a GroupHistory.
	HistoryGroupResultID *uint64 `gorm:"index"`
	SessionData          string  `gorm:"type:text"`
	ConfirmationCode     *string `gorm:"size:64"`
	ErrorMsg             string  `gorm:"type:text"`
	AbortMsg             string  `gorm:"type:text"`
	StartDate            time.Time
	EndDate              *time.Time
	LastSeenDate         time.Time

	// ComponentResults are ordered by creation.
	ComponentResults []ComponentResult `gorm:"foreignKey:StudyResultID"`
}

// CurrentComponentResult returns the most recently created component result,
// or nil when the run has none.
func (sr *StudyResult) CurrentComponentResult() *ComponentResult {
	if len(sr.ComponentResults) == 0 {
		return nil
	}
	return &sr.ComponentResults[len(sr.ComponentResults)-1]
}

// OpenComponentResult returns the one component result that is not done,
// or nil.
func (sr *StudyResult) OpenComponentResult() *ComponentResult {
	cr := sr.CurrentComponentResult()
	if cr == nil || cr.State.IsDone() {
		return nil
	}
	return cr
}

// ComponentResult is the record of one execution of a component within a run.
type ComponentResult struct {
	ID            uint64         `gorm:"primaryKey"`
	StudyResultID uint64         `gorm:"index;not null"`
	ComponentID   uint64         `gorm:"index;not null"`
	State         ComponentState `gorm:"size:20;not null"`
	Data          string         `gorm:"type:text"`
	ErrorMsg      string         `gorm:"type:text"`
	StartDate     time.Time
	EndDate       *time.Time
}

// GroupResult is one group instance within a batch of a group study.
// Current members are the StudyResults whose ActiveGroupResultID points here,
// history members those with a GroupHistory for it.
type GroupResult struct {
	ID                uint64     `gorm:"primaryKey"`
	BatchID           uint64     `gorm:"index;not null"`
	State             GroupState `gorm:"size:20;not null;index"`
	Fixed             bool       `gorm:"not null"`
	ActiveMemberCount int        `gorm:"not null;default:0"`
	TotalMemberCount  int        `gorm:"not null;default:0"`
	StartDate         time.Time
	EndDate           *time.Time
}

// GroupHistory records that a run left a group. A run never joins a group it
// has a history row for.
type GroupHistory struct {
	ID            uint64 `gorm:"primaryKey"`
	GroupResultID uint64 `gorm:"uniqueIndex:idx_group_history_member;not null"`
	StudyResultID uint64 `gorm:"uniqueIndex:idx_group_history_member;index;not null"`
	LeftDate      time.Time
}
