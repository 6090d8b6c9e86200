package core

import (
	"slices"
	"time"
)

// Study is a published sequence of components that workers run.
type Study struct {
	ID           uint64    `gorm:"primaryKey"`
	Title        string    `gorm:"size:255;not null"`
	Active       bool      `gorm:"not null"`
	IsGroupStudy bool      `gorm:"not null"`
	AllowPreview bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`

	Components []Component `gorm:"foreignKey:StudyID"`
	Batches    []Batch     `gorm:"foreignKey:StudyID"`
}

// FirstActiveComponent returns the active component with the lowest position,
// or nil if the study has none.
func (s *Study) FirstActiveComponent() *Component {
	var first *Component
	for i := range s.Components {
		c := &s.Components[i]
		if !c.Active {
			continue
		}
		if first == nil || c.Position < first.Position {
			first = c
		}
	}
	return first
}

// HasComponent reports whether the component belongs to this study.
func (s *Study) HasComponent(componentID uint64) bool {
	for i := range s.Components {
		if s.Components[i].ID == componentID {
			return true
		}
	}
	return false
}

// Component is one step of a study. Position is 1-based.
type Component struct {
	ID         uint64 `gorm:"primaryKey"`
	StudyID    uint64 `gorm:"index;not null"`
	Position   int    `gorm:"not null"`
	Title      string `gorm:"size:255"`
	Active     bool   `gorm:"not null"`
	Reloadable bool   `gorm:"not null"`
}

// StudyMember grants a researcher account access to a study.
type StudyMember struct {
	StudyID  uint64 `gorm:"primaryKey"`
	Username string `gorm:"primaryKey;size:255"`
}

// Batch is a cohort of runs for a study with its own admission limits.
// Nil limits are unlimited.
type Batch struct {
	ID                 uint64      `gorm:"primaryKey"`
	StudyID            uint64      `gorm:"index;not null"`
	Title              string      `gorm:"size:255"`
	Active             bool        `gorm:"not null"`
	AllowedWorkerTypes WorkerTypes `gorm:"serializer:json"`
	MaxTotalWorkers    *int
	MaxActiveMembers   *int
	MaxTotalMembers    *int

	// WorkerCount counts admitted workers that are subject to MaxTotalWorkers.
	WorkerCount int `gorm:"not null;default:0"`
}

// Allows reports whether workers of type t may run in this batch.
func (b *Batch) Allows(t WorkerType) bool {
	return slices.Contains(b.AllowedWorkerTypes, t)
}

// BatchWorker records that a worker was admitted to a batch.
type BatchWorker struct {
	BatchID   uint64    `gorm:"primaryKey"`
	WorkerID  uint64    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
