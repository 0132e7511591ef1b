package testutil

import (
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/roach88/weave/internal/ir"
)

// Shuffled returns a copy of ops in a pseudo-random order fixed by seed.
// The same seed always yields the same order.
func Shuffled(ops []ir.Operation, seed uint64) []ir.Operation {
	out := append([]ir.Operation(nil), ops...)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
