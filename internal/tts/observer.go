package tts

import (
	"context"
	"io"
)

// Observer receives the outcome of a Speak call. Exactly one method is invoked
// per call.
type Observer interface {
	AudioAvailable(audio io.ReadCloser)
	Error(err error)
}

// ObserverFuncs adapts two functions to Observer. A nil OnAudio closes the
// stream unread.
type ObserverFuncs struct {
	OnAudio func(audio io.ReadCloser)
	OnError func(err error)
}

func (o ObserverFuncs) AudioAvailable(audio io.ReadCloser) {
	if o.OnAudio == nil {
		_ = audio.Close()
		return
	}
	o.OnAudio(audio)
}

func (o ObserverFuncs) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Deliver hands r to obs.
func (r Result) Deliver(obs Observer) {
	if r.Err != nil {
		obs.Error(r.Err)
		return
	}
	obs.AudioAvailable(r.Audio)
}

// Speak dispatches req and reports the outcome to obs from a background
// goroutine. The returned channel closes once the observer callback returns.
func (c *Client) Speak(ctx context.Context, req Request, obs Observer) <-chan struct{} {
	done := make(chan struct{})
	results := c.Synthesize(ctx, req)
	go func() {
		defer close(done)
		res := <-results
		res.Deliver(obs)
	}()
	return done
}
