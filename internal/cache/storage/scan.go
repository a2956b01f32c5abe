package storage

import (
	"context"
	"fmt"
)

// Scan enumerates every object under prefix page by page, starting after
// token from. fn is called once per object; returning an error stops the
// scan. On interruption Scan returns the token to resume from, so a later
// call picks up where this one stopped.
func Scan(ctx context.Context, b Backend, prefix, from string, fn func(Object) error) (string, error) {
	token := from
	for {
		if err := ctx.Err(); err != nil {
			return token, err
		}
		page, err := b.List(ctx, prefix, token, DefaultPageSize)
		if err != nil {
			return token, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, o := range page.Objects {
			if err := fn(o); err != nil {
				return token, err
			}
		}
		if page.Next == "" {
			return "", nil
		}
		token = page.Next
	}
}

// Collect gathers every object under prefix.
func Collect(ctx context.Context, b Backend, prefix string) ([]Object, error) {
	var out []Object
	_, err := Scan(ctx, b, prefix, "", func(o Object) error {
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
