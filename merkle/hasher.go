package merkle

import (
	"context"
	"runtime"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/sync/errgroup"
)

// minimumJobsForFanOut mirrors the teacher's threshold below which
// dispatching work across goroutines costs more than it saves.
const minimumJobsForFanOut = 20

func hash(in []byte) []byte {
	h := sha256.New()
	h.Write(in)
	return h.Sum(nil)
}

// LeafHash is the leaf-level hash function over an entry's raw encoded
// payload, exported so a stateless verifier can recompute a leaf's
// SelfHash from the Entry it was handed and check it against a ProofPath.
func LeafHash(payload []byte) []byte {
	return hash(payload)
}

// hashDomain combines a and b into a single node hash, tagged with level so
// that identical children at different tree levels never collide.
func hashDomain(level byte, a, b []byte) []byte {
	h := sha256.New()
	h.Write([]byte{level})
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

type hashJob struct {
	target     []byte
	level      byte
	srcA, srcB []byte
}

func (j hashJob) run() {
	h := sha256.New()
	h.Write([]byte{j.level})
	h.Write(j.srcA)
	h.Write(j.srcB)
	copy(j.target, h.Sum(nil))
}

// Hasher batches combine-two-children hash jobs so a whole tree level can
// be hashed with one fan-out instead of one goroutine spawn per node
// (§4.3.4: "fan out per-level work, wait for completion, then ascend").
type Hasher struct {
	jobs []hashJob
}

func (h *Hasher) Add(level byte, target, srcA, srcB []byte) {
	h.jobs = append(h.jobs, hashJob{target, level, srcA, srcB})
}

// Run executes every queued job to completion, fanning out across
// runtime.NumCPU() workers via errgroup when there is enough work to be
// worth it, and clears the queue for reuse.
func (h *Hasher) Run() {
	if len(h.jobs) < minimumJobsForFanOut {
		for _, j := range h.jobs {
			j.run()
		}
		h.jobs = h.jobs[:0]
		return
	}

	workers := runtime.NumCPU()
	if workers > len(h.jobs) {
		workers = len(h.jobs)
	}
	g, _ := errgroup.WithContext(context.Background())
	jobs := h.jobs
	stripe := (len(jobs) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * stripe
		end := start + stripe
		if start >= len(jobs) {
			break
		}
		if end > len(jobs) {
			end = len(jobs)
		}
		g.Go(func() error {
			for _, j := range jobs[start:end] {
				j.run()
			}
			return nil
		})
	}
	_ = g.Wait() // hashJob.run never errors
	h.jobs = h.jobs[:0]
}
