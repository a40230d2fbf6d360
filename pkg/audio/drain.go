package audio

// Drain blocks until ch is closed, discarding what arrives.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainBuffered empties what ch holds right now and returns the count. It
// does not wait for senders.
func DrainBuffered[T any](ch <-chan T) int {
	for n := 0; ; n++ {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
		default:
			return n
		}
	}
}
