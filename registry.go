package conduit

import (
	"sync"

	"github.com/golang/glog"
)

type closable interface {
	Close()
}

// collects cancelable subscriptions so a caller can bulk-release them,
// e.g. when a ui component unmounts. owned by workers' callers,
// never by the workers themselves
type SubscriptionRegistry struct {
	stateLock sync.Mutex
	releases  []func()
	released  bool
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		releases: []func(){},
	}
}

func (self *SubscriptionRegistry) Add(release func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.released {
		// late add after a bulk release. release immediately
		glog.V(2).Infof("[registry]add after release\n")
		go HandleError(release)
		return
	}
	self.releases = append(self.releases, release)
}

func (self *SubscriptionRegistry) AddSubscription(subscription closable) {
	self.Add(subscription.Close)
}

func (self *SubscriptionRegistry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.releases)
}

// releases everything in add order. idempotent:
// a double release is logged, not failed
func (self *SubscriptionRegistry) Release() {
	self.stateLock.Lock()
	if self.released {
		self.stateLock.Unlock()
		glog.Infof("[registry]release when already released\n")
		return
	}
	self.released = true
	releases := self.releases
	self.releases = nil
	self.stateLock.Unlock()

	for _, release := range releases {
		HandleError(release)
	}
}
