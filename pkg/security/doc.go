// Package security provides validation, sanitization, and limits for study runs.
//
// This package includes:
//   - Size limits for result data, session data and worker messages
//   - Message sanitization before anything is persisted
//   - Validation of MTurk worker ids and cookie base names
//   - Clamping of the run token slot ceiling
package security
