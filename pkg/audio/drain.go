package audio

// Drain reads from ch until it is closed and discards every value. Playback
// uses it for synthesis streams that were cancelled before they finished so
// the producing goroutine never blocks on a full channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
