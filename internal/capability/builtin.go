package capability

import "context"

// NoopID names the builtin capability that always succeeds.
const NoopID = "noop"

// Noop does nothing and declares no artifact.
type Noop struct{}

func (Noop) ID() string       { return NoopID }
func (Noop) Artifact() string { return "" }
func (Noop) Available() error { return nil }

func (Noop) Invoke(ctx context.Context) ([]byte, error) {
	return nil, nil
}

// Func adapts an in-process function into a Capability.
type Func struct {
	Name string
	Path string
	Fn   func(ctx context.Context) ([]byte, error)
}

func (f Func) ID() string       { return f.Name }
func (f Func) Artifact() string { return f.Path }
func (f Func) Available() error { return nil }

func (f Func) Invoke(ctx context.Context) ([]byte, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx)
}
