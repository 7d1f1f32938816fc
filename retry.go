package conduit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// produces values into `out` until the source fails or completes.
// a nil return means the source completed normally
type SubscribeFunc[T any] func(ctx context.Context, out chan<- T) error

// applies the backoff delay math directly to a failure-prone stream.
// on failure, waits delay(attempt) before resubscribing to the source.
// unlike `Backoff`, which the owner resets explicitly, any successfully
// delivered value resets the attempt counter to 0. after `MaxAttempts`
// consecutive failures the error propagates to the consumer:
// `Values` closes and `Err` reports the terminal failure.
type RetrySource[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	subscribe SubscribeFunc[T]
	settings  *BackoffSettings

	// called before each scheduled resubscribe
	retryCallback func(attemptCount int, delay time.Duration)

	values chan T

	stateLock sync.Mutex
	err       error
}

func NewRetrySource[T any](
	ctx context.Context,
	subscribe SubscribeFunc[T],
	settings *BackoffSettings,
) *RetrySource[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	retrySource := &RetrySource[T]{
		ctx:       cancelCtx,
		cancel:    cancel,
		subscribe: subscribe,
		settings:  settings,
		values:    make(chan T),
	}
	go retrySource.run()
	return retrySource
}

// must be set before the first value is consumed
func (self *RetrySource[T]) SetRetryCallback(retryCallback func(attemptCount int, delay time.Duration)) {
	self.retryCallback = retryCallback
}

func (self *RetrySource[T]) run() {
	defer close(self.values)

	attemptCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		out := make(chan T)
		errs := make(chan error, 1)
		go func() {
			defer close(out)
			errs <- self.subscribe(self.ctx, out)
		}()

		for value := range out {
			// success resets the backoff
			attemptCount = 0
			select {
			case <-self.ctx.Done():
				// drain the source and exit
				for range out {
				}
				<-errs
				return
			case self.values <- value:
			}
		}
		err := <-errs

		if err == nil {
			// source completed
			return
		}
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		attemptCount += 1
		if self.settings.MaxAttempts < attemptCount {
			// terminal. not silently dropped
			glog.Infof("[retry]exhausted after %d attempts = %s\n", attemptCount-1, err)
			self.stateLock.Lock()
			self.err = err
			self.stateLock.Unlock()
			return
		}

		delay := self.delay(attemptCount)
		if self.retryCallback != nil {
			HandleError(func() {
				self.retryCallback(attemptCount, delay)
			})
		}
		glog.V(2).Infof("[retry]attempt %d resubscribe in %s = %s\n", attemptCount, delay, err)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (self *RetrySource[T]) delay(attemptCount int) time.Duration {
	if 0 < self.settings.ConstantDelay {
		return min(self.settings.ConstantDelay, self.settings.MaxDelay)
	}
	delay := self.settings.InitialDelay
	for i := 0; i < attemptCount; i += 1 {
		delay *= 2
		if self.settings.MaxDelay <= delay {
			return self.settings.MaxDelay
		}
	}
	return delay
}

func (self *RetrySource[T]) Values() <-chan T {
	return self.values
}

// non-nil only after `Values` closes with a terminal failure
func (self *RetrySource[T]) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *RetrySource[T]) Close() {
	self.cancel()
}
