package conduit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	neturl "net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ServerSentEventWorkerSettings struct {
	Backoff *BackoffSettings

	ConnectTimeout time.Duration
	// extra request headers, e.g. authorization
	Header http.Header

	OnOpen func()
}

func DefaultServerSentEventWorkerSettings() *ServerSentEventWorkerSettings {
	return &ServerSentEventWorkerSettings{
		Backoff:        DefaultBackoffSettings(),
		ConnectTimeout: 5 * time.Second,
	}
}

type EventCallback[M any] func(envelope MessageEnvelope[M])

// owns one inbound-only event channel with the same lifecycle
// discipline as the websocket worker, but drives a timeout-based
// backoff scheduler directly: the client owns the whole retry loop,
// so there is no native transport auto-reconnect to race against.
// a successful open resets the backoff attempt counter.
// named-event listeners persist across reconnects.
type ServerSentEventWorker[M any] struct {
	ctx context.Context

	url             string
	withCredentials bool

	settings *ServerSentEventWorkerSettings

	client *http.Client

	stateLock          sync.Mutex
	messages           *Subject[MessageEnvelope[M]]
	errors             *Subject[error]
	states             *Subject[ConnectionState]
	runId              Id
	runCancel          context.CancelFunc
	backoff            *Backoff
	runBackoffSettings *BackoffSettings
	listeners          map[string]*CallbackList[EventCallback[M]]
	lastEventId        string
}

func NewServerSentEventWorkerWithDefaults[M any](ctx context.Context, url string) (*ServerSentEventWorker[M], error) {
	return NewServerSentEventWorker[M](ctx, url, false, DefaultServerSentEventWorkerSettings())
}

func NewServerSentEventWorker[M any](
	ctx context.Context,
	url string,
	withCredentials bool,
	settings *ServerSentEventWorkerSettings,
) (*ServerSentEventWorker[M], error) {
	if url == "" {
		return nil, fmt.Errorf("missing event source url")
	}
	u, err := neturl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("bad event source url %s: %w", url, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("bad event source url scheme %s", u.Scheme)
	}
	if settings == nil {
		settings = DefaultServerSentEventWorkerSettings()
	}
	if settings.Backoff == nil {
		settings.Backoff = DefaultBackoffSettings()
	}

	// no overall client timeout. the stream stays open indefinitely
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: settings.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: settings.ConnectTimeout,
		},
	}
	if withCredentials {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}

	return &ServerSentEventWorker[M]{
		ctx:             ctx,
		url:             url,
		withCredentials: withCredentials,
		settings:        settings,
		client:          client,
		messages:        NewSubject[MessageEnvelope[M]](),
		errors:          NewSubject[error](),
		states:          NewSubject[ConnectionState](),
		listeners:       map[string]*CallbackList[EventCallback[M]]{},
	}, nil
}

// idempotent. no-op when already connected
func (self *ServerSentEventWorker[M]) Connect() {
	self.stateLock.Lock()
	if self.runCancel != nil {
		self.stateLock.Unlock()
		glog.V(2).Infof("[sse]connect when already connected %s\n", self.url)
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

	// per-run copy so a server `retry:` hint can adjust the delay
	runBackoffSettings := *self.settings.Backoff
	self.runBackoffSettings = &runBackoffSettings

	var backoff *Backoff
	backoff = NewBackoff(
		runCtx,
		func() {
			self.publishState(ConnectionStateReconnecting)
			go self.stream(runCtx, runId, backoff)
		},
		func() {
			self.exhaust(runId)
		},
		&runBackoffSettings,
	)
	self.backoff = backoff
	self.stateLock.Unlock()

	go self.stream(runCtx, runId, backoff)
}

func (self *ServerSentEventWorker[M]) Reconnect() {
	self.Disconnect()
	self.Connect()
}

// idempotent. safe to call on an already closed channel
func (self *ServerSentEventWorker[M]) Disconnect() {
	self.stateLock.Lock()
	runCancel := self.runCancel
	backoff := self.backoff
	self.runCancel = nil
	self.backoff = nil
	self.stateLock.Unlock()

	if runCancel == nil {
		glog.Infof("[sse]disconnect when already disconnected %s\n", self.url)
		return
	}
	backoff.Stop()
	runCancel()

	self.finish(self.currentRunId())
}

func (self *ServerSentEventWorker[M]) IsDisconnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runCancel == nil
}

// named-event listeners persist across reconnects
func (self *ServerSentEventWorker[M]) AddEventListener(event string, callback EventCallback[M]) Id {
	self.stateLock.Lock()
	callbacks, ok := self.listeners[event]
	if !ok {
		callbacks = NewCallbackList[EventCallback[M]]()
		self.listeners[event] = callbacks
	}
	self.stateLock.Unlock()
	return callbacks.Add(callback)
}

func (self *ServerSentEventWorker[M]) RemoveEventListener(event string, callbackId Id) {
	self.stateLock.Lock()
	callbacks, ok := self.listeners[event]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	callbacks.Remove(callbackId)
}

func (self *ServerSentEventWorker[M]) Listen(transforms ...func(MessageEnvelope[M]) MessageEnvelope[M]) *Subscription[MessageEnvelope[M]] {
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

func (self *ServerSentEventWorker[M]) PickMessage(
	filter func(MessageEnvelope[M]) bool,
	transforms ...func(MessageEnvelope[M]) MessageEnvelope[M],
) *Subscription[MessageEnvelope[M]] {
	return FilterSubscription(self.Listen(transforms...), filter)
}

func (self *ServerSentEventWorker[M]) ListenErrors() *Subscription[error] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.errors.Subscribe()
}

func (self *ServerSentEventWorker[M]) ListenState() *Subscription[ConnectionState] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.states.Subscribe()
}

func (self *ServerSentEventWorker[M]) publishState(state ConnectionState) {
	self.stateLock.Lock()
	states := self.states
	self.stateLock.Unlock()
	states.Publish(state)
}

func (self *ServerSentEventWorker[M]) publishError(err error) {
	self.stateLock.Lock()
	errors := self.errors
	self.stateLock.Unlock()
	errors.Publish(err)
}

func (self *ServerSentEventWorker[M]) currentRunId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runId
}

// backoff exhaustion is terminal. the caller must reconnect explicitly
func (self *ServerSentEventWorker[M]) exhaust(runId Id) {
	glog.Infof("[sse]retries exhausted %s\n", self.url)
	self.publishError(fmt.Errorf("retries exhausted"))

	self.stateLock.Lock()
	if self.runId == runId && self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
		self.backoff = nil
	}
	self.stateLock.Unlock()

	self.finish(runId)
}

func (self *ServerSentEventWorker[M]) finish(runId Id) {
	self.stateLock.Lock()
	if self.runId != runId {
		// superseded by a newer connect. its run owns the subjects now
		self.stateLock.Unlock()
		return
	}
	messages := self.messages
	errors := self.errors
	states := self.states
	self.stateLock.Unlock()

	states.Publish(ConnectionStateDisconnected)
	messages.Complete()
	errors.Complete()
	states.Complete()
}

// one connection attempt plus its read loop.
// stream errors hand control to the backoff scheduler
func (self *ServerSentEventWorker[M]) stream(runCtx context.Context, runId Id, backoff *Backoff) {
	if runCtx.Err() != nil {
		return
	}
	self.publishState(ConnectionStateConnecting)

	connect := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(runCtx, "GET", self.url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		for name, values := range self.settings.Header {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
		if lastEventId := self.getLastEventId(); lastEventId != "" {
			req.Header.Set("Last-Event-ID", lastEventId)
		}

		response, err := self.client.Do(req)
		if err != nil {
			return nil, err
		}
		if response.StatusCode != http.StatusOK {
			response.Body.Close()
			return nil, fmt.Errorf("event source status %d", response.StatusCode)
		}
		return response, nil
	}

	var response *http.Response
	var err error
	if glog.V(2) {
		response, err = TraceWithReturnError(fmt.Sprintf("[sse]connect %s", self.url), connect)
	} else {
		response, err = connect()
	}
	if err != nil {
		self.streamError(runCtx, backoff, err)
		return
	}
	defer response.Body.Close()

	self.publishState(ConnectionStateConnected)
	// a successful open forgives prior failures
	backoff.Trigger(true)
	if self.settings.OnOpen != nil {
		HandleError(self.settings.OnOpen)
	}
	if events := self.listenerEvents(); 0 < len(events) {
		glog.V(2).Infof("[sse]open %s listeners=%v\n", self.url, events)
	}

	reader := bufio.NewReader(response.Body)
	eventName := ""
	eventId := ""
	dataLines := []string{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			self.streamError(runCtx, backoff, err)
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if 0 < len(dataLines) {
				self.dispatch(eventName, eventId, strings.Join(dataLines, "\n"))
			}
			eventName = ""
			eventId = ""
			dataLines = []string{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// comment / keepalive
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			eventId = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && 0 < ms {
				// server reconnection hint overrides the exponential delay
				self.stateLock.Lock()
				if self.runId == runId && self.runBackoffSettings != nil {
					self.runBackoffSettings.ConstantDelay = time.Duration(ms) * time.Millisecond
				}
				self.stateLock.Unlock()
			}
		default:
			glog.V(2).Infof("[sse]other=%s <-\n", field)
		}
	}
}

func (self *ServerSentEventWorker[M]) dispatch(eventName string, eventId string, data string) {
	if eventId != "" {
		self.setLastEventId(eventId)
	}

	var parsed M
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		// isolated per message. does not tear down the connection
		self.publishError(fmt.Errorf("parse error: %w", err))
		return
	}

	if eventName == "" {
		eventName = "message"
	}
	envelope := MessageEnvelope[M]{
		Event: eventName,
		Raw:   []byte(data),
		Data:  parsed,
	}

	self.stateLock.Lock()
	messages := self.messages
	callbacks, ok := self.listeners[eventName]
	self.stateLock.Unlock()

	messages.Publish(envelope)
	glog.V(2).Infof("[sse]<- %s (%db)\n", eventName, len(data))

	if ok {
		for _, callback := range callbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(envelope)
			})
		}
	}
}

func (self *ServerSentEventWorker[M]) streamError(runCtx context.Context, backoff *Backoff, err error) {
	if runCtx.Err() != nil {
		// explicit disconnect
		return
	}
	glog.Infof("[sse]stream error %s = %s\n", self.url, err)
	self.publishState(ConnectionStateError)
	backoff.Trigger(false)
}

func (self *ServerSentEventWorker[M]) listenerEvents() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.listeners)
}

func (self *ServerSentEventWorker[M]) getLastEventId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastEventId
}

func (self *ServerSentEventWorker[M]) setLastEventId(eventId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastEventId = eventId
}
