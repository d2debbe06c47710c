package report

import "iter"

// Batch is a fixed-size slice of an ordered stream. Last is set only on the
// final batch the stream produces.
type Batch[T any] struct {
	Items []T
	Index int
	Last  bool
}

// Batched splits seq into batches of size items, preserving order. It keeps a
// single item of lookahead so the final batch can be flagged without
// materializing the stream. A stream of N items yields exactly ceil(N/size)
// batches; an empty stream yields none. Sizes below one are treated as one.
//
// An error from seq is yielded once and ends iteration.
func Batched[T any](seq iter.Seq2[T, error], size int) iter.Seq2[Batch[T], error] {
	size = max(size, 1)

	return func(yield func(Batch[T], error) bool) {
		next, stop := iter.Pull2(seq)
		defer stop()

		item, err, ok := next()
		if err != nil {
			yield(Batch[T]{}, err)
			return
		}

		index := 0
		for ok {
			items := make([]T, 0, size)
			for ok && len(items) < size {
				items = append(items, item)
				item, err, ok = next()
				if err != nil {
					yield(Batch[T]{}, err)
					return
				}
			}

			if !yield(Batch[T]{Items: items, Index: index, Last: !ok}, nil) {
				return
			}
			index++
		}
	}
}
