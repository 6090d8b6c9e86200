// Package fixture seeds studies, batches and workers from YAML.
//
//	studies:
//	  - id: 1
//	    title: Stroop
//	    members: [researcher]
//	    components:
//	      - {position: 1, title: intro, reloadable: true}
//	      - {position: 2, title: task}
//	    batches:
//	      - title: Lab
//	        worker_types: [GeneralSingle, Jatos]
//	        max_total_workers: 50
//	workers:
//	  - {type: PersonalSingle, comment: participant 7}
//
// Records with an id that already exists are skipped, so a seed file can be
// applied on every start.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

type Seed struct {
	Studies []Study  `yaml:"studies"`
	Workers []Worker `yaml:"workers"`
}

type Study struct {
	ID           uint64      `yaml:"id,omitempty"`
	Title        string      `yaml:"title"`
	Active       *bool       `yaml:"active,omitempty"`
	Group        bool        `yaml:"group,omitempty"`
	AllowPreview bool        `yaml:"allow_preview,omitempty"`
	Members      []string    `yaml:"members,omitempty"`
	Components   []Component `yaml:"components"`
	Batches      []Batch     `yaml:"batches"`
}

type Component struct {
	Position   int    `yaml:"position"`
	Title      string `yaml:"title"`
	Active     *bool  `yaml:"active,omitempty"`
	Reloadable bool   `yaml:"reloadable,omitempty"`
}

type Batch struct {
	Title            string   `yaml:"title"`
	Active           *bool    `yaml:"active,omitempty"`
	WorkerTypes      []string `yaml:"worker_types,omitempty"`
	MaxTotalWorkers  *int     `yaml:"max_total_workers,omitempty"`
	MaxActiveMembers *int     `yaml:"max_active_members,omitempty"`
	MaxTotalMembers  *int     `yaml:"max_total_members,omitempty"`
}

type Worker struct {
	ID         uint64 `yaml:"id,omitempty"`
	Type       string `yaml:"type"`
	Username   string `yaml:"username,omitempty"`
	MTWorkerID string `yaml:"mt_worker_id,omitempty"`
	Comment    string `yaml:"comment,omitempty"`
}

// Parse decodes and validates a seed.
func Parse(input []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(input, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

// Load reads and parses a seed file.
func Load(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return Parse(b)
}

func (s Seed) Validate() error {
	for i, st := range s.Studies {
		prefix := fmt.Sprintf("studies[%d]", i)
		if strings.TrimSpace(st.Title) == "" {
			return fmt.Errorf("%s.title is required", prefix)
		}
		if len(st.Components) == 0 {
			return fmt.Errorf("%s.components must be non-empty", prefix)
		}
		if len(st.Batches) == 0 {
			return fmt.Errorf("%s.batches must be non-empty", prefix)
		}
		positions := make(map[int]struct{}, len(st.Components))
		for j, c := range st.Components {
			if c.Position < 1 {
				return fmt.Errorf("%s.components[%d].position must be at least 1", prefix, j)
			}
			if _, ok := positions[c.Position]; ok {
				return fmt.Errorf("%s.components[%d].position must be unique (duplicate %d)", prefix, j, c.Position)
			}
			positions[c.Position] = struct{}{}
		}
		for j, b := range st.Batches {
			if err := b.validate(fmt.Sprintf("%s.batches[%d]", prefix, j)); err != nil {
				return err
			}
		}
	}
	for i, w := range s.Workers {
		if _, err := w.worker(); err != nil {
			return fmt.Errorf("workers[%d]: %w", i, err)
		}
	}
	return nil
}

func (b Batch) validate(prefix string) error {
	for _, wt := range b.WorkerTypes {
		if _, err := core.ParseWorkerType(wt); err != nil {
			return fmt.Errorf("%s.worker_types: %w", prefix, err)
		}
	}
	for name, limit := range map[string]*int{
		"max_total_workers":  b.MaxTotalWorkers,
		"max_active_members": b.MaxActiveMembers,
		"max_total_members":  b.MaxTotalMembers,
	} {
		if limit != nil && *limit < 0 {
			return fmt.Errorf("%s.%s must not be negative", prefix, name)
		}
	}
	return nil
}

func (w Worker) worker() (*core.Worker, error) {
	wt, err := core.ParseWorkerType(w.Type)
	if err != nil {
		return nil, err
	}
	out := &core.Worker{ID: w.ID, Type: wt, Comment: w.Comment}
	switch wt {
	case core.WorkerJatos:
		if w.Username == "" {
			return nil, errors.New("username is required for Jatos workers")
		}
		out.Username = &w.Username
	case core.WorkerMTurk, core.WorkerMTurkSandbox:
		if w.MTWorkerID == "" {
			return nil, errors.New("mt_worker_id is required for MTurk workers")
		}
		out.MTWorkerID = &w.MTWorkerID
	}
	return out, nil
}

func (st Study) study() *core.Study {
	out := &core.Study{
		ID:           st.ID,
		Title:        st.Title,
		Active:       enabled(st.Active),
		IsGroupStudy: st.Group,
		AllowPreview: st.AllowPreview,
	}
	for _, c := range st.Components {
		out.Components = append(out.Components, core.Component{
			Position:   c.Position,
			Title:      c.Title,
			Active:     enabled(c.Active),
			Reloadable: c.Reloadable,
		})
	}
	for _, b := range st.Batches {
		batch := core.Batch{
			Title:              b.Title,
			Active:             enabled(b.Active),
			AllowedWorkerTypes: core.AllWorkerTypes,
			MaxTotalWorkers:    b.MaxTotalWorkers,
			MaxActiveMembers:   b.MaxActiveMembers,
			MaxTotalMembers:    b.MaxTotalMembers,
		}
		if len(b.WorkerTypes) > 0 {
			batch.AllowedWorkerTypes = make(core.WorkerTypes, 0, len(b.WorkerTypes))
			for _, wt := range b.WorkerTypes {
				batch.AllowedWorkerTypes = append(batch.AllowedWorkerTypes, core.WorkerType(wt))
			}
		}
		out.Batches = append(out.Batches, batch)
	}
	return out
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Result lists what Apply created.
type Result struct {
	Studies []*core.Study
	Workers []*core.Worker
	Skipped int
}

// Apply stores the seed.
func Apply(ctx context.Context, s core.Storage, seed Seed, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := &Result{}

	for _, st := range seed.Studies {
		if st.ID != 0 {
			existing, err := s.GetStudy(ctx, st.ID)
			if err != nil {
				return res, fmt.Errorf("load study %d: %w", st.ID, err)
			}
			if existing != nil {
				res.Skipped++
				continue
			}
		}
		study := st.study()
		if err := s.CreateStudy(ctx, study); err != nil {
			return res, fmt.Errorf("create study %q: %w", st.Title, err)
		}
		for _, m := range st.Members {
			if err := s.AddStudyMember(ctx, study.ID, m); err != nil {
				return res, fmt.Errorf("add member %q to study %d: %w", m, study.ID, err)
			}
		}
		logger.Info("seeded study", "study_id", study.ID, "title", study.Title, "batches", len(study.Batches))
		res.Studies = append(res.Studies, study)
	}

	for _, w := range seed.Workers {
		worker, err := w.worker()
		if err != nil {
			return res, err
		}
		if worker.ID != 0 {
			existing, err := s.GetWorker(ctx, worker.ID)
			if err != nil {
				return res, fmt.Errorf("load worker %d: %w", worker.ID, err)
			}
			if existing != nil {
				res.Skipped++
				continue
			}
		}
		if err := s.CreateWorker(ctx, worker); err != nil {
			return res, fmt.Errorf("create %s worker: %w", worker.Type, err)
		}
		logger.Info("seeded worker", "worker_id", worker.ID, "worker_type", worker.Type)
		res.Workers = append(res.Workers, worker)
	}
	return res, nil
}
