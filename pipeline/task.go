// Package pipeline implements the per-block Prefetch -> Update -> Flush ->
// Commit sequence of §4.4-§4.6: the Prefetcher enriches a block's task list
// against the Indexer and EntryFile, the Updater applies each task in
// order (assigning serial numbers, rewriting hash-ring links, mutating the
// Indexer and Twig Merkle Tree), and the Flusher seals twigs, runs the
// compaction maintenance sub-task, prunes, and commits MetaDB. Grounded on
// moeingads.go's PrepareForUpdate/PrepareForDeletion/update/EndWrite
// sequence, generalized from the teacher's 8-way sharded, batch-then-sort
// design to a single ordered stream over one Tree/Indexer pair.
package pipeline

// Kind identifies what a Task asks the engine to do to one key.
type Kind int32

const (
	Create Kind = iota
	Update
	Delete
	Read
)

// Task is one entry in a block's submitted task stream (§4.4).
type Task struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

// Result is what RunBlock reports back for each task, in submission order.
type Result struct {
	Value []byte // the looked-up value, for Read
	Err   error
}
