//go:build debug
// +build debug

package qmdb

import "fmt"

// DebugPanicNumber selects which pipeline.Checkpoint* debugPanic fires at.
// Zero means none. Tests built with -tags debug set this directly.
var DebugPanicNumber int

func debugPanic(checkpoint int) {
	if checkpoint == DebugPanicNumber {
		panic(fmt.Sprintf("qmdb: debug panic at checkpoint %d", checkpoint))
	}
}
