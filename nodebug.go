//go:build !debug
// +build !debug

package qmdb

var DebugPanicNumber int // unused outside debug builds

func debugPanic(checkpoint int) {}
