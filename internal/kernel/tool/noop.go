package tool

import "context"

// Noop always succeeds with empty data; used for bookkeeping steps that
// perform no real work (§4.7).
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Name() string { return "noop" }

func (n *Noop) Execute(ctx context.Context, cfg Config) (Result, error) {
	return Result{Status: StatusSuccess}, nil
}
