// Package chanutil provides small channel-composition helpers that do not
// belong to any one component.
package chanutil

// Unbounded returns a pair of channels (in, out) connected by a goroutine
// holding an internally growing queue: sends on in never block the sender,
// regardless of how slowly the consumer of out drains it.
//
// This exists for the single-worker storage dispatcher: with exactly one
// worker, a bounded (or even rendezvous) response channel can deadlock the
// worker against its own sender if the arbiter is momentarily busy, since
// there is no second worker to keep making progress. Funnelling worker
// responses through an Unbounded pair removes that deadlock without
// requiring callers to guess a buffer size large enough for worst-case
// backlog.
func Unbounded[T any]() (in chan<- T, out <-chan T) {
	inCh := make(chan T)
	outCh := make(chan T)

	go func() {
		defer close(outCh)

		var queue []T

		for {
			if len(queue) == 0 {
				v, ok := <-inCh
				if !ok {
					return
				}

				queue = append(queue, v)

				continue
			}

			select {
			case v, ok := <-inCh:
				if !ok {
					// drain remaining queued values before closing out
					for _, q := range queue {
						outCh <- q
					}

					return
				}

				queue = append(queue, v)
			case outCh <- queue[0]:
				queue = queue[1:]
			}
		}
	}()

	return inCh, outCh
}
