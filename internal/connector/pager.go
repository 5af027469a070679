package connector

import (
	"context"
	"iter"
)

// PageFunc fetches the page at cursor. An empty next cursor ends the sequence.
// The first call receives an empty cursor.
type PageFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// Pages lazily walks a cursor-paginated collection. The sequence is finite
// and forward-only; ranging over it again restarts from the first page.
// A fetch error is yielded once and ends the sequence.
func Pages[T any](ctx context.Context, fetch PageFunc[T]) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			items, next, err := fetch(ctx, cursor)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(items, nil) {
				return
			}

			// a cursor that does not advance would loop forever
			if next == "" || next == cursor {
				return
			}
			cursor = next
		}
	}
}
