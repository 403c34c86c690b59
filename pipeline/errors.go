package pipeline

import "errors"

// Local sentinels, distinct from the root qmdb package's, so this package
// does not import qmdb and create an import cycle (qmdb.Engine imports
// pipeline). They appear only in RunBlock's per-task Results, which
// Engine.Commit does not return, so they do not reach the Engine's caller.
var (
	ErrNotFound      = errors.New("pipeline: key not found")
	ErrAlreadyExists = errors.New("pipeline: key already exists")
	ErrBlockClosed   = errors.New("pipeline: block already committed")
)
