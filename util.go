package conduit

import (
	"slices"
	"sync"
)

// makes a copy of the list on update,
// so `Get` callers can iterate without holding the lock.
// callbacks are keyed by id because function values are not comparable
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []*callbackListEntry[T]
}

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackListEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}
