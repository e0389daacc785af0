// Package types is the shared data model: cursors, topics, groups,
// stored messages, edits, deletions, and commit-log entries.
//
// All types here are plain structs serialized as JSON by pkg/storage.
// Enumerations are typed strings (except CommitResult, an int); optional fields use pointers so a
// missing value round-trips distinctly from a zero value.
package types
