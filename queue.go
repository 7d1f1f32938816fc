package conduit

import (
	"sync"
)

type outboundItem struct {
	messageId        Id
	messageBytes     []byte
	messageByteCount ByteCount
}

// pending outbound messages, owned by one websocket worker.
// append-only while disconnected, drained strictly fifo in bounded
// batches once the connection is restored. no dedup
type outboundQueue struct {
	stateLock    sync.Mutex
	orderedItems []*outboundItem
	byteCount    ByteCount
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{
		orderedItems: []*outboundItem{},
	}
}

func (self *outboundQueue) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

func (self *outboundQueue) Add(messageBytes []byte) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := &outboundItem{
		messageId:        NewId(),
		messageBytes:     messageBytes,
		messageByteCount: ByteCount(len(messageBytes)),
	}
	self.orderedItems = append(self.orderedItems, item)
	self.byteCount += item.messageByteCount
	return item.messageId
}

func (self *outboundQueue) RemoveFirst() *outboundItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := self.orderedItems[0]
	self.orderedItems = self.orderedItems[1:]
	self.byteCount -= item.messageByteCount
	return item
}

// removes up to `batchSize` items in fifo order
func (self *outboundQueue) RemoveFirstBatch(batchSize int) []*outboundItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := min(batchSize, len(self.orderedItems))
	if n == 0 {
		return nil
	}
	items := self.orderedItems[0:n]
	self.orderedItems = self.orderedItems[n:]
	for _, item := range items {
		self.byteCount -= item.messageByteCount
	}
	return items
}

// puts unsent items back at the head, preserving fifo order
func (self *outboundQueue) requeueFirst(items []*outboundItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.orderedItems = append(items, self.orderedItems...)
	for _, item := range items {
		self.byteCount += item.messageByteCount
	}
}

func (self *outboundQueue) PeekFirst() *outboundItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}
