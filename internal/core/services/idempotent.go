package services

import (
	"context"
	"errors"
)

// CreateOrGet returns the stored value, building and inserting it when it
// does not exist yet. When a concurrent caller inserts first, create fails
// with duplicate and the winner's value is read back, so every caller sees
// the same row.
func CreateOrGet[T any](
	ctx context.Context,
	get func(context.Context) (T, error),
	build func(context.Context) (T, error),
	create func(context.Context, T) error,
	missing, duplicate error,
) (T, error) {
	var zero T

	v, err := get(ctx)
	if err == nil || !errors.Is(err, missing) {
		return v, err
	}

	v, err = build(ctx)
	if err != nil {
		return zero, err
	}
	err = create(ctx, v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, duplicate) {
		return zero, err
	}
	return get(ctx)
}
