package httpapi

import (
	"time"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/engine"
)

type runView struct {
	StudyResultID     uint64              `json:"studyResultId"`
	State             core.StudyState     `json:"state"`
	ComponentID       uint64              `json:"componentId"`
	ComponentPosition int                 `json:"componentPosition"`
	ComponentResultID uint64              `json:"componentResultId"`
	ComponentState    core.ComponentState `json:"componentState"`
	GroupResultID     *uint64             `json:"groupResultId"`
}

func newRunView(s *engine.RunState) runView {
	v := runView{
		StudyResultID: s.StudyResult.ID,
		State:         s.StudyResult.State,
		GroupResultID: s.StudyResult.ActiveGroupResultID,
	}
	if s.Component != nil {
		v.ComponentID = s.Component.ID
		v.ComponentPosition = s.Component.Position
	}
	if s.ComponentResult != nil {
		v.ComponentResultID = s.ComponentResult.ID
		v.ComponentState = s.ComponentResult.State
	}
	return v
}

type initDataView struct {
	StudyResultID     uint64  `json:"studyResultId"`
	ComponentResultID uint64  `json:"componentResultId"`
	GroupResultID     *uint64 `json:"groupResultId"`
	SessionData       string  `json:"sessionData"`
	Study             struct {
		ID           uint64 `json:"id"`
		Title        string `json:"title"`
		IsGroupStudy bool   `json:"isGroupStudy"`
	} `json:"study"`
	Batch struct {
		ID    uint64 `json:"id"`
		Title string `json:"title"`
	} `json:"batch"`
	Component struct {
		ID         uint64 `json:"id"`
		Title      string `json:"title"`
		Position   int    `json:"position"`
		Reloadable bool   `json:"reloadable"`
	} `json:"component"`
}

func newInitDataView(d *engine.InitData) initDataView {
	v := initDataView{
		StudyResultID:     d.StudyResultID,
		ComponentResultID: d.ComponentResultID,
		GroupResultID:     d.GroupResultID,
		SessionData:       d.SessionData,
	}
	v.Study.ID = d.Study.ID
	v.Study.Title = d.Study.Title
	v.Study.IsGroupStudy = d.Study.IsGroupStudy
	v.Batch.ID = d.Batch.ID
	v.Batch.Title = d.Batch.Title
	v.Component.ID = d.Component.ID
	v.Component.Title = d.Component.Title
	v.Component.Position = d.Component.Position
	v.Component.Reloadable = d.Component.Reloadable
	return v
}

type componentResultView struct {
	ID          uint64              `json:"id"`
	ComponentID uint64              `json:"componentId"`
	State       core.ComponentState `json:"state"`
}

func newComponentResultView(cr *core.ComponentResult) componentResultView {
	return componentResultView{ID: cr.ID, ComponentID: cr.ComponentID, State: cr.State}
}

type groupView struct {
	ID                uint64          `json:"id"`
	State             core.GroupState `json:"state"`
	Fixed             bool            `json:"fixed"`
	ActiveMemberCount int             `json:"activeMemberCount"`
	TotalMemberCount  int             `json:"totalMemberCount"`
}

func newGroupView(gr *core.GroupResult) groupView {
	return groupView{
		ID:                gr.ID,
		State:             gr.State,
		Fixed:             gr.Fixed,
		ActiveMemberCount: gr.ActiveMemberCount,
		TotalMemberCount:  gr.TotalMemberCount,
	}
}

type statView struct {
	Timestamp time.Time `json:"timestamp"`
	Started   int64     `json:"started"`
	Finished  int64     `json:"finished"`
	Failed    int64     `json:"failed"`
	Aborted   int64     `json:"aborted"`
	Abandoned int64     `json:"abandoned"`
	Reloaded  int64     `json:"reloaded"`
	OpenRuns  int64     `json:"openRuns"`
}
