package cache

import "context"

// Invalidator drops cached catalog data after a back-office write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type NoopInvalidator struct{}

func (NoopInvalidator) Invalidate(_ context.Context) error {
	return nil
}
