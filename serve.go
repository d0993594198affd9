package st7789v

import (
	"context"
	"image"
)

// FrameSink consumes full frames. *Dev is a FrameSink.
type FrameSink interface {
	Display(img image.Image) error
}

// Serve feeds every frame received on frames to sink, from the calling
// goroutine, until frames is closed, ctx is done or sink fails.
//
// The sink is only ever used by Serve, which makes it the single owner of a
// device while producers render on other goroutines. A closed channel
// returns nil; a canceled context returns ctx.Err().
func Serve(ctx context.Context, sink FrameSink, frames <-chan image.Image) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case img, ok := <-frames:
			if !ok {
				return nil
			}
			if err := sink.Display(img); err != nil {
				return err
			}
		}
	}
}
