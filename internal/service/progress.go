package service

import (
	"context"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// ProgressFunc observes the phases of a cross-store write. tx is empty
// until the ledger transaction has been submitted.
type ProgressFunc func(phase domain.Phase, tx domain.TxHandle)

type progressKey struct{}

// WithProgress attaches fn to ctx; coordinator operations run with ctx
// report their phases to it.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func reportPhase(ctx context.Context, phase domain.Phase, tx domain.TxHandle) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(phase, tx)
	}
}
