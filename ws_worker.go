package conduit

import (
	"bytes"
	"context"
	"fmt"
	neturl "net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type WebSocketWorkerSettings struct {
	Backoff *BackoffSettings

	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	MaxMessageByteCount ByteCount

	// queued messages are flushed in batches of this size
	// with an inter-batch pause, to avoid bursting a freshly
	// reopened transport
	FlushBatchSize  int
	FlushBatchDelay time.Duration

	SendBufferSize int

	OnOpen  func()
	OnClose func()
}

func DefaultWebSocketWorkerSettings() *WebSocketWorkerSettings {
	return &WebSocketWorkerSettings{
		Backoff:             DefaultBackoffSettings(),
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		MaxMessageByteCount: mib(4),
		FlushBatchSize:      16,
		FlushBatchDelay:     100 * time.Millisecond,
		SendBufferSize:      32,
	}
}

// owns one logical duplex connection and isolates callers from
// reconnect churn behind a stable outward message stream.
// transport errors are retried per the backoff settings. frame parse
// errors go to a dedicated error stream without tearing down the
// connection. exhaustion is terminal: the message subject completes
// and the caller must `Reconnect` explicitly.
type WebSocketWorker[M any] struct {
	ctx context.Context

	url  string
	auth *ClientAuth

	settings *WebSocketWorkerSettings

	queue *outboundQueue

	stateLock sync.Mutex
	messages  *Subject[MessageEnvelope[M]]
	errors    *Subject[error]
	states    *Subject[ConnectionState]
	runId     Id
	runCancel context.CancelFunc
	sendChan  chan []byte
}

func NewWebSocketWorkerWithDefaults[M any](ctx context.Context, url string) (*WebSocketWorker[M], error) {
	return NewWebSocketWorker[M](ctx, url, nil, DefaultWebSocketWorkerSettings())
}

func NewWebSocketWorker[M any](
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *WebSocketWorkerSettings,
) (*WebSocketWorker[M], error) {
	if url == "" {
		return nil, fmt.Errorf("missing websocket url")
	}
	u, err := neturl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("bad websocket url %s: %w", url, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("bad websocket url scheme %s", u.Scheme)
	}
	if settings == nil {
		settings = DefaultWebSocketWorkerSettings()
	}
	if settings.Backoff == nil {
		settings.Backoff = DefaultBackoffSettings()
	}

	return &WebSocketWorker[M]{
		ctx:      ctx,
		url:      url,
		auth:     auth,
		settings: settings,
		queue:    newOutboundQueue(),
		messages: NewSubject[MessageEnvelope[M]](),
		errors:   NewSubject[error](),
		states:   NewSubject[ConnectionState](),
	}, nil
}

// idempotent. no-op when already connected
func (self *WebSocketWorker[M]) Connect() {
	self.stateLock.Lock()
	if self.runCancel != nil {
		self.stateLock.Unlock()
		glog.V(2).Infof("[ws]connect when already connected %s\n", self.url)
		return
	}
	// a terminal run completed the previous subjects. start fresh ones
	if self.messages.IsDone() {
		self.messages = NewSubject[MessageEnvelope[M]]()
		self.errors = NewSubject[error]()
		self.states = NewSubject[ConnectionState]()
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	runId := NewId()
	self.runId = runId
	self.runCancel = runCancel
	self.stateLock.Unlock()

	source := NewRetrySource[[]byte](runCtx, self.subscribe, self.settings.Backoff)
	source.SetRetryCallback(func(attemptCount int, delay time.Duration) {
		self.publishState(ConnectionStateReconnecting)
	})
	go self.run(runId, source)
}

// disconnect followed by connect. used by explicit caller request
// and required after backoff exhaustion
func (self *WebSocketWorker[M]) Reconnect() {
	self.Disconnect()
	self.Connect()
}

// idempotent. a double disconnect is logged, not failed
func (self *WebSocketWorker[M]) Disconnect() {
	self.stateLock.Lock()
	runCancel := self.runCancel
	self.runCancel = nil
	self.stateLock.Unlock()

	if runCancel == nil {
		glog.Infof("[ws]disconnect when already disconnected %s\n", self.url)
		return
	}
	runCancel()
}

func (self *WebSocketWorker[M]) IsDisconnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runCancel == nil
}

// writes immediately when the transport is open, otherwise appends to
// the outbound queue. never returns a hard error for a disconnected
// transport - failures surface on the error stream instead, so callers
// are not forced into error handling for the common "still reconnecting"
// case
func (self *WebSocketWorker[M]) Send(data M) {
	messageBytes, err := json.Marshal(data)
	if err != nil {
		self.publishError(fmt.Errorf("encode error: %w", err))
		return
	}

	self.stateLock.Lock()
	sendChan := self.sendChan
	self.stateLock.Unlock()

	if sendChan != nil {
		select {
		case sendChan <- messageBytes:
			return
		default:
			// backpressure. spill to the queue rather than block the caller
		}
	}
	messageId := self.queue.Add(messageBytes)
	glog.V(2).Infof("[ws]queued %s (%db)\n", messageId, len(messageBytes))
}

func (self *WebSocketWorker[M]) QueueSize() (int, ByteCount) {
	return self.queue.QueueSize()
}

func (self *WebSocketWorker[M]) Listen(transforms ...func(MessageEnvelope[M]) MessageEnvelope[M]) *Subscription[MessageEnvelope[M]] {
	self.stateLock.Lock()
	messages := self.messages
	self.stateLock.Unlock()

	subscription := messages.Subscribe()
	if len(transforms) == 0 {
		return subscription
	}
	return MapSubscription(subscription, func(envelope MessageEnvelope[M]) MessageEnvelope[M] {
		for _, transform := range transforms {
			envelope = transform(envelope)
		}
		return envelope
	})
}

func (self *WebSocketWorker[M]) PickMessage(
	filter func(MessageEnvelope[M]) bool,
	transforms ...func(MessageEnvelope[M]) MessageEnvelope[M],
) *Subscription[MessageEnvelope[M]] {
	self.stateLock.Lock()
	messages := self.messages
	self.stateLock.Unlock()

	subscription := FilterSubscription(messages.Subscribe(), filter)
	if len(transforms) == 0 {
		return subscription
	}
	return MapSubscription(subscription, func(envelope MessageEnvelope[M]) MessageEnvelope[M] {
		for _, transform := range transforms {
			envelope = transform(envelope)
		}
		return envelope
	})
}

func PickAndMapMessage[M any, R any](
	worker *WebSocketWorker[M],
	filter func(MessageEnvelope[M]) bool,
	mapCallback func(MessageEnvelope[M]) R,
) *Subscription[R] {
	return MapSubscription(worker.PickMessage(filter), mapCallback)
}

// parse failures and send failures. never completes the connection
func (self *WebSocketWorker[M]) ListenErrors() *Subscription[error] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.errors.Subscribe()
}

func (self *WebSocketWorker[M]) ListenState() *Subscription[ConnectionState] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.states.Subscribe()
}

func (self *WebSocketWorker[M]) publishState(state ConnectionState) {
	self.stateLock.Lock()
	states := self.states
	self.stateLock.Unlock()
	states.Publish(state)
}

func (self *WebSocketWorker[M]) publishError(err error) {
	self.stateLock.Lock()
	errors := self.errors
	self.stateLock.Unlock()
	errors.Publish(err)
}

func (self *WebSocketWorker[M]) setSendChan(sendChan chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sendChan = sendChan
}

func (self *WebSocketWorker[M]) clearSendChan(sendChan chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// a newer connection may own the send channel already
	if self.sendChan == sendChan {
		self.sendChan = nil
	}
}

func (self *WebSocketWorker[M]) run(runId Id, source *RetrySource[[]byte]) {
	for messageBytes := range source.Values() {
		var data M
		if err := json.Unmarshal(messageBytes, &data); err != nil {
			// isolated per message. does not tear down the connection
			self.publishError(fmt.Errorf("parse error: %w", err))
			continue
		}
		self.messagesPublish(MessageEnvelope[M]{
			Event: "message",
			Raw:   messageBytes,
			Data:  data,
		})
	}

	if err := source.Err(); err != nil {
		self.publishError(err)
	}
	self.finish(runId)
}

func (self *WebSocketWorker[M]) messagesPublish(envelope MessageEnvelope[M]) {
	self.stateLock.Lock()
	messages := self.messages
	self.stateLock.Unlock()
	messages.Publish(envelope)
}

// terminal for this run. the worker can be connected again, which
// starts fresh subjects
func (self *WebSocketWorker[M]) finish(runId Id) {
	self.stateLock.Lock()
	if self.runId != runId {
		// superseded by a newer connect. its run owns the subjects now
		self.stateLock.Unlock()
		return
	}
	runCancel := self.runCancel
	self.runCancel = nil
	self.sendChan = nil
	messages := self.messages
	errors := self.errors
	states := self.states
	self.stateLock.Unlock()

	if runCancel != nil {
		runCancel()
	}
	states.Publish(ConnectionStateDisconnected)
	messages.Complete()
	errors.Complete()
	states.Complete()
}

// one connection attempt plus its pumps. returning an error hands
// control back to the retry source
func (self *WebSocketWorker[M]) subscribe(ctx context.Context, out chan<- []byte) error {
	self.publishState(ConnectionStateConnecting)

	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, self.url, nil)
		if err != nil {
			return nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		if self.auth != nil {
			authBytes, err := json.Marshal(self.auth)
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage, websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}
		}

		success = true
		return ws, nil
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[ws]connect %s", self.url), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		glog.Infof("[ws]connect error %s = %s\n", self.url, err)
		self.publishState(ConnectionStateError)
		return err
	}
	defer ws.Close()

	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	// unblock a pending read on cancel instead of waiting out the
	// read deadline
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	sendChan := make(chan []byte, self.settings.SendBufferSize)
	self.setSendChan(sendChan)
	defer func() {
		self.clearSendChan(sendChan)
		// spill unsent messages back to the queue for the next connection
		for {
			select {
			case messageBytes := <-sendChan:
				self.queue.Add(messageBytes)
			default:
				return
			}
		}
	}()

	self.publishState(ConnectionStateConnected)
	if self.settings.OnOpen != nil {
		HandleError(self.settings.OnOpen)
	}
	defer func() {
		if self.settings.OnClose != nil {
			HandleError(self.settings.OnClose)
		}
	}()

	go self.flushQueue(handleCtx, sendChan)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageBytes, ok := <-sendChan:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ws]-> error = %s\n", err)
					if ctx.Err() == nil {
						self.publishError(err)
					}
					return
				}
				glog.V(2).Infof("[ws]-> (%db)\n", len(messageBytes))
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection closed")
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			glog.Infof("[ws]<- error = %s\n", err)
			self.publishState(ConnectionStateError)
			return err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping <-\n")
				continue
			}

			select {
			case <-handleCtx.Done():
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("connection closed")
			case out <- message:
				glog.V(2).Infof("[ws]<- (%db)\n", len(message))
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[ws]drop <-\n")
			}
		default:
			glog.V(2).Infof("[ws]other=%d <-\n", messageType)
		}
	}
}

// drains the queue in fixed-size batches with an inter-batch pause
func (self *WebSocketWorker[M]) flushQueue(ctx context.Context, sendChan chan []byte) {
	n, byteCount := self.queue.QueueSize()
	if n == 0 {
		return
	}
	glog.V(2).Infof("[ws]flush %d queued (%db)\n", n, byteCount)

	for {
		items := self.queue.RemoveFirstBatch(self.settings.FlushBatchSize)
		if len(items) == 0 {
			return
		}
		for i, item := range items {
			select {
			case <-ctx.Done():
				// keep fifo order for the next connection
				self.queue.requeueFirst(items[i:])
				return
			case sendChan <- item.messageBytes:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.FlushBatchDelay):
		}
	}
}
