package provider

import (
	"context"
	"time"

	"github.com/chroniclehq/chronicle/internal/backoff"
)

// WithRetry wraps a provider with the retry policy: transient failures are
// retried with exponential backoff and jitter, but only before the inner
// stream has yielded any event to the consumer. Once data flowed, a retry
// would duplicate the prefix, so the error surfaces instead. A
// server-supplied Retry-After wins over the computed delay when larger.
func WithRetry(inner Provider, policy backoff.Policy, maxRetries int) Provider {
	return &retryProvider{inner: inner, policy: policy, maxRetries: maxRetries}
}

type retryProvider struct {
	inner      Provider
	policy     backoff.Policy
	maxRetries int
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for attempt := 0; ; attempt++ {
			failed, yielded := r.attempt(ctx, req, out)
			if failed == nil {
				return
			}
			if yielded || !Transient(failed) || attempt >= r.maxRetries {
				out <- StreamEvent{Kind: KindError, Err: failed}
				return
			}

			delay := r.policy.Delay(attempt)
			if ra := RetryAfterOf(failed); ra > delay {
				delay = ra
			}
			out <- StreamEvent{
				Kind:       KindRetry,
				Attempt:    attempt + 1,
				MaxRetries: r.maxRetries,
				DelayMs:    delay.Milliseconds(),
				Err:        failed,
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out <- StreamEvent{Kind: KindError, Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

// attempt runs one inner stream to completion. It returns the failure, if
// any, and whether any event was forwarded to the consumer before it.
func (r *retryProvider) attempt(ctx context.Context, req *Request, out chan<- StreamEvent) (error, bool) {
	in, err := r.inner.Stream(ctx, req)
	if err != nil {
		return err, false
	}

	yielded := false
	for ev := range in {
		if ev.Kind == KindError {
			// Leave the inner goroutine free to finish.
			go drain(in)
			return ev.Err, yielded
		}
		select {
		case out <- ev:
			yielded = true
		case <-ctx.Done():
			go drain(in)
			return ctx.Err(), yielded
		}
		if ev.Kind == KindDone {
			go drain(in)
			return nil, true
		}
	}
	return nil, yielded
}

func drain(ch <-chan StreamEvent) {
	for range ch {
	}
}
