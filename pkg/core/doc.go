// Package core provides the fundamental types and interfaces for study runs.
//
// This package contains:
//   - Study, Component, Batch and Worker models with GORM annotations
//   - StudyResult, ComponentResult and GroupResult run records and their states
//   - Storage interface defining the repository contract
//   - Event types for run monitoring
//   - Error kinds shared by every layer
//
// Most users should import the root package github.com/jdziat/simple-study-runs
// instead of this package directly.
package core
