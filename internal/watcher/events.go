// Package watcher turns filesystem activity into debounced change
// batches and drives incremental index runs, with at most one run in
// flight at a time.
package watcher

import "time"

// Operation classifies a filesystem change.
type Operation int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file or directory was deleted.
	OpDelete
	// OpRename indicates a file or directory was renamed.
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is a single classified filesystem change.
type FileEvent struct {
	// Path is relative to the watched root.
	Path string

	// Operation is the change classification.
	Operation Operation

	// IsDir reports whether the path is a directory.
	IsDir bool

	// Timestamp is when the event was observed.
	Timestamp time.Time
}
