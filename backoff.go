package conduit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type BackoffSettings struct {
	// retries allowed before the fatal callback fires.
	// 0 means the very first trigger is immediately fatal
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// when set, overrides exponential growth with a fixed delay
	ConstantDelay time.Duration
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     120 * time.Second,
	}
}

// pure retry scheduling. no i/o.
// each `Trigger` bumps the attempt counter and schedules the retry callback
// after min(constant ?? initial * 2^attempt, max). past `MaxAttempts` the
// fatal callback fires once and no more retries are scheduled until a reset.
// the owner must guarantee at most one pending retry at a time by only
// triggering from the transport's own error callback.
type Backoff struct {
	ctx    context.Context
	cancel context.CancelFunc

	retryCallback func()
	fatalCallback func()

	settings *BackoffSettings

	stateLock    sync.Mutex
	attemptCount int
	exhausted    bool
	pendingTimer *time.Timer
}

func NewBackoffWithDefaults(ctx context.Context, retryCallback func(), fatalCallback func()) *Backoff {
	return NewBackoff(ctx, retryCallback, fatalCallback, DefaultBackoffSettings())
}

func NewBackoff(
	ctx context.Context,
	retryCallback func(),
	fatalCallback func(),
	settings *BackoffSettings,
) *Backoff {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Backoff{
		ctx:           cancelCtx,
		cancel:        cancel,
		retryCallback: retryCallback,
		fatalCallback: fatalCallback,
		settings:      settings,
	}
}

// reset=true zeroes the attempt counter synchronously and schedules nothing.
// call it from the success path to forgive prior failures.
func (self *Backoff) Trigger(reset bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if reset {
		self.attemptCount = 0
		self.exhausted = false
		if self.pendingTimer != nil {
			self.pendingTimer.Stop()
			self.pendingTimer = nil
		}
		return
	}

	if self.exhausted {
		// already fatal. retries stay off until a reset
		return
	}

	self.attemptCount += 1
	if self.settings.MaxAttempts < self.attemptCount {
		self.exhausted = true
		glog.Infof("[backoff]exhausted after %d attempts\n", self.attemptCount-1)
		if self.fatalCallback != nil {
			fatalCallback := self.fatalCallback
			go HandleError(fatalCallback)
		}
		return
	}

	delay := self.delay(self.attemptCount)
	glog.V(2).Infof("[backoff]attempt %d retry in %s\n", self.attemptCount, delay)
	self.pendingTimer = time.AfterFunc(delay, func() {
		// the timer may have been stopped or reset after scheduling.
		// check liveness before firing
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		HandleError(self.retryCallback)
	})
}

// delay is computed purely from the attempt count, independent of wall clock
func (self *Backoff) delay(attemptCount int) time.Duration {
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

func (self *Backoff) AttemptCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attemptCount
}

// cancels any pending retry. the scheduler cannot be reused after stop
func (self *Backoff) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pendingTimer != nil {
		self.pendingTimer.Stop()
		self.pendingTimer = nil
	}
	self.cancel()
}
