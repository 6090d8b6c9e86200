package engine

import (
	"context"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/idcookie"
)

func (e *Engine) resolveGroupRun(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) (*run, error) {
	r, err := e.resolve(ctx, jar, studyResultID, caller, false)
	if err != nil {
		return nil, err
	}
	if !r.study.IsGroupStudy {
		return nil, core.Forbidden("study %d is not a group study", r.study.ID)
	}
	return r, nil
}

// JoinGroup makes the run a member of a group of its batch. A run that is
// already in an unfinished group stays there.
func (e *Engine) JoinGroup(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) (*core.GroupResult, error) {
	r, err := e.resolveGroupRun(ctx, jar, studyResultID, caller)
	if err != nil {
		return nil, err
	}
	before := r.sr.ActiveGroupResultID
	gr, err := e.groups.Join(ctx, r.sr, r.batch)
	if err != nil {
		return nil, err
	}
	if before == nil || *before != gr.ID {
		e.Emit(&core.GroupJoined{StudyResult: snapshot(r.sr), GroupResult: gr, Timestamp: e.now()})
	}
	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return gr, nil
}

// LeaveGroup takes the run out of its group. Leaving without a group does
// nothing.
func (e *Engine) LeaveGroup(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) error {
	r, err := e.resolveGroupRun(ctx, jar, studyResultID, caller)
	if err != nil {
		return err
	}
	if err := e.leaveGroup(ctx, r); err != nil {
		return err
	}
	_, err = e.writeToken(ctx, jar, r)
	return err
}

// ReassignGroup moves the run from its group into another one.
func (e *Engine) ReassignGroup(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) (*core.GroupResult, error) {
	r, err := e.resolveGroupRun(ctx, jar, studyResultID, caller)
	if err != nil {
		return nil, err
	}
	var left uint64
	if r.sr.ActiveGroupResultID != nil {
		left = *r.sr.ActiveGroupResultID
	}
	gr, err := e.groups.Reassign(ctx, r.sr, r.batch)
	if err != nil {
		return nil, err
	}
	now := e.now()
	e.Emit(&core.GroupLeft{StudyResult: snapshot(r.sr), GroupResultID: left, Timestamp: now})
	e.Emit(&core.GroupJoined{StudyResult: snapshot(r.sr), GroupResult: gr, Timestamp: now})
	if _, err := e.writeToken(ctx, jar, r); err != nil {
		return nil, err
	}
	return gr, nil
}

// FixGroup closes the run's group to new members.
func (e *Engine) FixGroup(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) (*core.GroupResult, error) {
	r, err := e.resolveGroupRun(ctx, jar, studyResultID, caller)
	if err != nil {
		return nil, err
	}
	return e.groups.Fix(ctx, r.sr)
}

// GroupMembers returns the current members of the run's group.
func (e *Engine) GroupMembers(ctx context.Context, jar *idcookie.Jar, studyResultID uint64, caller string) ([]*core.StudyResult, error) {
	r, err := e.resolveGroupRun(ctx, jar, studyResultID, caller)
	if err != nil {
		return nil, err
	}
	if r.sr.ActiveGroupResultID == nil {
		return nil, nil
	}
	return e.storage.ListGroupMembers(ctx, *r.sr.ActiveGroupResultID)
}

// leaveGroup takes r out of its group, if any.
func (e *Engine) leaveGroup(ctx context.Context, r *run) error {
	gid, err := e.groups.Leave(ctx, r.sr)
	if err != nil {
		return err
	}
	if gid != 0 {
		e.Emit(&core.GroupLeft{StudyResult: snapshot(r.sr), GroupResultID: gid, Timestamp: e.now()})
	}
	return nil
}
