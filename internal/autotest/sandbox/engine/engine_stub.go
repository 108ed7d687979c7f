//go:build !linux

package engine

import (
	"context"
	"fmt"

	"autotest/internal/autotest/sandbox"
)

// Backend is unavailable outside linux.
type Backend struct{}

func NewBackend(cfg Config) (*Backend, error) {
	return nil, fmt.Errorf("local sandbox backend is only supported on linux")
}

func (b *Backend) Create(ctx context.Context, name string, image sandbox.ImageSpec) (sandbox.Handle, error) {
	return nil, fmt.Errorf("local sandbox backend is only supported on linux")
}
