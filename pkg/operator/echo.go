package operator

import (
	"context"

	"firestige.xyz/streamrt/internal/buffer"
)

// Echo is the demonstration operator: it forwards every input buffer
// unchanged, retaining it once for the caller's output slice. Useful for
// exercising the recovery/replay path without any real per-record logic.
type Echo struct{}

func init() {
	Register("echo", func() Operator { return &Echo{} })
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Init(params map[string]interface{}) error { return nil }

func (e *Echo) Process(ctx context.Context, in *buffer.Buffer) ([]*buffer.Buffer, error) {
	return []*buffer.Buffer{in.Retain()}, nil
}

func (e *Echo) Close() error { return nil }
