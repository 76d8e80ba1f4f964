package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine whose output is no longer wanted,
// such as the event stream of a session that is being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
