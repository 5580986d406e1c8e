package transport

import (
	"context"
	"fmt"
)

// Unimplemented is the fallback adapter for protocols with no transport.
type Unimplemented struct{}

// Kind returns KindUnimplemented.
func (Unimplemented) Kind() Kind { return KindUnimplemented }

// Execute always fails with ErrNotImplemented.
func (Unimplemented) Execute(_ context.Context, req Request) (Result, error) {
	return Result{}, fmt.Errorf("%w: %q", ErrNotImplemented, req.Connection.Protocol)
}
