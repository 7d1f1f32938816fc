package conduit

import (
	"sync"

	"github.com/golang/glog"
)

const DefaultSubscriptionBufferSize = 32

// one publisher feeding multiple independent subscribers the same
// sequence of values, with a replay depth of one:
// a new subscriber immediately receives the most recently published
// value before any new ones. this is deliberate for ui code that
// attaches after the channel has already delivered data.
//
// publish never blocks. a subscriber that cannot keep up has its
// oldest buffered value dropped.
type Subject[T any] struct {
	stateLock     sync.Mutex
	subscriptions map[Id]*Subscription[T]
	last          T
	hasLast       bool
	done          bool
	err           error
	bufferSize    int
}

func NewSubject[T any]() *Subject[T] {
	return NewSubjectWithBuffer[T](DefaultSubscriptionBufferSize)
}

func NewSubjectWithBuffer[T any](bufferSize int) *Subject[T] {
	return &Subject[T]{
		subscriptions: map[Id]*Subscription[T]{},
		bufferSize:    bufferSize,
	}
}

func (self *Subject[T]) Publish(value T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.done {
		glog.V(2).Infof("[subject]publish after terminal. dropped.\n")
		return
	}

	self.last = value
	self.hasLast = true
	for _, subscription := range self.subscriptions {
		subscription.push(value)
	}
}

// terminal. closes all subscriber channels
func (self *Subject[T]) Complete() {
	self.terminate(nil)
}

// terminal with error. closes all subscriber channels
func (self *Subject[T]) Fail(err error) {
	self.terminate(err)
}

func (self *Subject[T]) terminate(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.done {
		return
	}
	self.done = true
	self.err = err
	for _, subscription := range self.subscriptions {
		subscription.finish(err)
	}
	clear(self.subscriptions)
}

func (self *Subject[T]) IsDone() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.done
}

func (self *Subject[T]) Subscribe() *Subscription[T] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription := newSubscription[T](self.bufferSize, nil)
	subscription.unsubscribe = func() {
		self.remove(subscription.subscriptionId)
	}
	if self.hasLast {
		// replay depth 1
		subscription.push(self.last)
	}
	if self.done {
		subscription.finish(self.err)
	} else {
		self.subscriptions[subscription.subscriptionId] = subscription
	}
	return subscription
}

func (self *Subject[T]) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

func (self *Subject[T]) remove(subscriptionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.subscriptions, subscriptionId)
}

// one subscriber's view of a subject.
// `Values` is closed on terminal or close; `Err` reports the terminal error
type Subscription[T any] struct {
	subscriptionId Id
	values         chan T

	stateLock   sync.Mutex
	closed      bool
	err         error
	unsubscribe func()
}

func newSubscription[T any](bufferSize int, unsubscribe func()) *Subscription[T] {
	return &Subscription[T]{
		subscriptionId: NewId(),
		values:         make(chan T, bufferSize),
		unsubscribe:    unsubscribe,
	}
}

func (self *Subscription[T]) Values() <-chan T {
	return self.values
}

func (self *Subscription[T]) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *Subscription[T]) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.finish(nil)
}

func (self *Subscription[T]) push(value T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	select {
	case self.values <- value:
	default:
		// full. drop the oldest buffered value
		glog.V(2).Infof("[subject]drop oldest %s\n", self.subscriptionId)
		select {
		case <-self.values:
		default:
		}
		select {
		case self.values <- value:
		default:
		}
	}
}

func (self *Subscription[T]) finish(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	self.err = err
	close(self.values)
}

// read-side composition over a subscription.
// the returned subscription closes the source when closed

func FilterSubscription[T any](source *Subscription[T], filter func(T) bool) *Subscription[T] {
	out := newSubscription[T](cap(source.values), source.Close)
	go func() {
		for value := range source.Values() {
			if filter(value) {
				out.push(value)
			}
		}
		out.finish(source.Err())
	}()
	return out
}

func MapSubscription[T any, R any](source *Subscription[T], mapCallback func(T) R) *Subscription[R] {
	out := newSubscription[R](cap(source.values), source.Close)
	go func() {
		for value := range source.Values() {
			out.push(mapCallback(value))
		}
		out.finish(source.Err())
	}()
	return out
}
