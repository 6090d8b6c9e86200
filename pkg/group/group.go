// Package group assigns runs of group studies to group results.
//
// Capacity is never checked in memory. Every join is a conditional write that
// carries the batch's member limits, so concurrent joiners can overshoot
// neither MaxActiveMembers nor MaxTotalMembers.
package group

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/factory"
	"github.com/jdziat/simple-study-runs/pkg/retry"
)

// Outcome is the result of one join attempt on one group.
type Outcome int

const (
	// Joined means the run is now a current member of the group.
	Joined Outcome = iota
	// Full means the group could not admit the run: it reached a member
	// limit, was fixed, or finished.
	Full
)

func (o Outcome) String() string {
	if o == Joined {
		return "joined"
	}
	return "full"
}

// Coordinator joins, leaves and reassigns runs to groups.
type Coordinator struct {
	storage core.Storage
	factory *factory.Factory
	retry   retry.Config
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option interface {
	apply(*Coordinator)
}

type optionFunc func(*Coordinator)

func (f optionFunc) apply(c *Coordinator) { f(c) }

// WithRetry sets the retry policy for group writes.
func WithRetry(cfg retry.Config) Option {
	return optionFunc(func(c *Coordinator) {
		c.retry = cfg
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Coordinator) {
		c.logger = l
	})
}

// New creates a Coordinator.
func New(s core.Storage, f *factory.Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		storage: s,
		factory: f,
		retry:   retry.Config{MaxAttempts: 1},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// Join makes sr a member of a group in batch. A run that already has an
// unfinished group keeps it. Otherwise the first open group that admits sr
// is joined, in creation order, and a new group is created when none does.
// Groups sr has left are never joined again.
func (c *Coordinator) Join(ctx context.Context, sr *core.StudyResult, batch *core.Batch) (*core.GroupResult, error) {
	if sr.ActiveGroupResultID != nil {
		gr, err := c.storage.GetGroupResult(ctx, *sr.ActiveGroupResultID)
		if err != nil {
			return nil, fmt.Errorf("load group result: %w", err)
		}
		if gr != nil && gr.State != core.GroupFinished {
			return gr, nil
		}
		if _, err := c.Leave(ctx, sr); err != nil {
			return nil, err
		}
	}

	groups, err := c.storage.ListOpenGroupResults(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("list open groups: %w", err)
	}
	for _, gr := range groups {
		outcome, err := c.TryJoin(ctx, gr.ID, sr, batch)
		if err != nil {
			return nil, err
		}
		if outcome == Joined {
			c.logger.Debug("joined group", "study_result_id", sr.ID, "group_result_id", gr.ID)
			return c.reload(ctx, gr.ID)
		}
	}

	return c.create(ctx, sr, batch)
}

// TryJoin attempts to add sr to one group.
func (c *Coordinator) TryJoin(ctx context.Context, groupResultID uint64, sr *core.StudyResult, batch *core.Batch) (Outcome, error) {
	var joined bool
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		joined, err = c.storage.JoinGroupResult(ctx, groupResultID, sr, batch)
		return err
	})
	if err != nil {
		return Full, fmt.Errorf("join group %d: %w", groupResultID, err)
	}
	if joined {
		return Joined, nil
	}
	return Full, nil
}

func (c *Coordinator) create(ctx context.Context, sr *core.StudyResult, batch *core.Batch) (*core.GroupResult, error) {
	if (batch.MaxActiveMembers != nil && *batch.MaxActiveMembers < 1) ||
		(batch.MaxTotalMembers != nil && *batch.MaxTotalMembers < 1) {
		return nil, core.Forbidden("batch %d does not admit group members", batch.ID)
	}

	gr := c.factory.NewGroupResult(batch)
	err := retry.Do(ctx, c.retry, func() error {
		return c.storage.CreateGroupResultWithMember(ctx, gr, sr)
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	c.logger.Debug("created group", "study_result_id", sr.ID, "group_result_id", gr.ID, "batch_id", batch.ID)
	return gr, nil
}

func (c *Coordinator) reload(ctx context.Context, id uint64) (*core.GroupResult, error) {
	gr, err := c.storage.GetGroupResult(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group result: %w", err)
	}
	if gr == nil {
		return nil, core.NotFound("group result %d not found", id)
	}
	return gr, nil
}

// Leave moves sr from its group into the group's history and returns the id
// of the group it left, or zero when it had none.
func (c *Coordinator) Leave(ctx context.Context, sr *core.StudyResult) (uint64, error) {
	if sr.ActiveGroupResultID == nil {
		return 0, nil
	}
	gid := *sr.ActiveGroupResultID
	err := retry.Do(ctx, c.retry, func() error {
		return c.storage.LeaveGroupResult(ctx, sr)
	})
	if err != nil {
		return 0, fmt.Errorf("leave group %d: %w", gid, err)
	}
	c.logger.Debug("left group", "study_result_id", sr.ID, "group_result_id", gid)
	return gid, nil
}

// Reassign moves sr out of its current group into another one, creating a
// new group when no other admits it.
func (c *Coordinator) Reassign(ctx context.Context, sr *core.StudyResult, batch *core.Batch) (*core.GroupResult, error) {
	if sr.ActiveGroupResultID == nil {
		return nil, core.Forbidden("study result %d is not a member of a group", sr.ID)
	}
	if _, err := c.Leave(ctx, sr); err != nil {
		return nil, err
	}
	return c.Join(ctx, sr, batch)
}

// Fix closes sr's group to new members.
func (c *Coordinator) Fix(ctx context.Context, sr *core.StudyResult) (*core.GroupResult, error) {
	if sr.ActiveGroupResultID == nil {
		return nil, core.Forbidden("study result %d is not a member of a group", sr.ID)
	}
	if err := c.storage.FixGroupResult(ctx, *sr.ActiveGroupResultID); err != nil {
		return nil, fmt.Errorf("fix group: %w", err)
	}
	return c.reload(ctx, *sr.ActiveGroupResultID)
}
