package conduit

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const StorePathDelimiter = "."

type StorePath []string

// splits a delimited path string, e.g. "session.user.name"
func NewStorePath(path string) StorePath {
	if path == "" {
		return StorePath{}
	}
	return StorePath(strings.Split(path, StorePathDelimiter))
}

func (self StorePath) String() string {
	return strings.Join(self, StorePathDelimiter)
}

type SelectOptions struct {
	// emit only values the filter accepts
	Filter func(value any) bool
	// true means equal, suppressing the emission.
	// the default comparer treats structurally equal
	// serializations as unchanged
	Comparer    func(previous any, next any) bool
	NotSetValue any
}

// holds an immutable snapshot of application state with path-addressed
// get/set and change notification. the schema is closed at construction:
// `Set`/`SetIn` fail on keys and paths not present in the current
// snapshot. every mutation swaps the whole snapshot reference, so
// readers holding an old snapshot continue to see consistent data.
// snapshots handed out by `State` are defensively deep-copied, so
// external mutation cannot corrupt internal state.
type Store struct {
	stateLock    sync.Mutex
	initialState map[string]any
	state        map[string]any
	snapshots    *Subject[map[string]any]
}

func NewStore(initialState map[string]any) (*Store, error) {
	if len(initialState) == 0 {
		return nil, fmt.Errorf("missing initial state")
	}
	stateCopy, err := deepCopyState(initialState)
	if err != nil {
		return nil, fmt.Errorf("initial state not serializable: %w", err)
	}
	initialCopy, err := deepCopyState(initialState)
	if err != nil {
		return nil, fmt.Errorf("initial state not serializable: %w", err)
	}
	store := &Store{
		initialState: initialCopy,
		state:        stateCopy,
		snapshots:    NewSubject[map[string]any](),
	}
	store.snapshots.Publish(stateCopy)
	return store, nil
}

// the current snapshot, deep-copied
func (self *Store) State() map[string]any {
	self.stateLock.Lock()
	state := self.state
	self.stateLock.Unlock()

	stateCopy, err := deepCopyState(state)
	if err != nil {
		// the snapshot was serializable when it was stored
		panic(err)
	}
	return stateCopy
}

func (self *Store) Get(key string, notSetValue any) any {
	return self.GetIn(StorePath{key}, notSetValue)
}

// reads never mutate state. an absent path logs and returns notSetValue
func (self *Store) GetIn(path StorePath, notSetValue any) any {
	self.stateLock.Lock()
	state := self.state
	self.stateLock.Unlock()

	value, ok := lookupPath(state, path)
	if !ok {
		glog.V(2).Infof("[store]get missing path %s\n", path)
		return notSetValue
	}
	return deepCopyValue(value)
}

func (self *Store) Set(key string, value any) error {
	return self.SetIn(StorePath{key}, value)
}

// fails when the path is empty or absent from the current snapshot.
// on success the whole snapshot is replaced with a new immutable one
// and subscribers are notified
func (self *Store) SetIn(path StorePath, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("empty store path")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := lookupPath(self.state, path); !ok {
		return fmt.Errorf("store path %s not present. the schema is closed at construction (keys: %s)",
			path, strings.Join(maps.Keys(self.state), ","))
	}

	nextState, err := deepCopyState(self.state)
	if err != nil {
		panic(err)
	}
	if err := writePath(nextState, path, value); err != nil {
		return err
	}
	// the round trip both validates the written value and detaches
	// the snapshot from the caller-held value reference
	committed, err := deepCopyState(nextState)
	if err != nil {
		return fmt.Errorf("value not serializable: %w", err)
	}
	self.state = committed
	self.snapshots.Publish(committed)
	return nil
}

// replaces the whole snapshot with the construction-time state
func (self *Store) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextState, err := deepCopyState(self.initialState)
	if err != nil {
		panic(err)
	}
	self.state = nextState
	self.snapshots.Publish(nextState)
}

// replaces the whole snapshot with a defensive copy of the given state
func (self *Store) ResetWithState(state map[string]any) error {
	if len(state) == 0 {
		return fmt.Errorf("missing state")
	}
	nextState, err := deepCopyState(state)
	if err != nil {
		return fmt.Errorf("state not serializable: %w", err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = nextState
	self.snapshots.Publish(nextState)
	return nil
}

func (self *Store) Select(key string, options *SelectOptions) *Subscription[any] {
	return self.SelectIn(StorePath{key}, options)
}

// a change stream for one path. the replay depth of the snapshot
// subject means a new subscriber immediately receives the current
// value. consecutive structurally equal values are suppressed unless
// a custom comparer overrides that
func (self *Store) SelectIn(path StorePath, options *SelectOptions) *Subscription[any] {
	if options == nil {
		options = &SelectOptions{}
	}
	comparer := options.Comparer
	if comparer == nil {
		comparer = structurallyEqual
	}

	source := self.snapshots.Subscribe()
	out := newSubscription[any](DefaultSubscriptionBufferSize, source.Close)
	go func() {
		hasPrevious := false
		var previous any
		for state := range source.Values() {
			value, ok := lookupPath(state, path)
			if !ok {
				value = options.NotSetValue
			}
			if hasPrevious && comparer(previous, value) {
				continue
			}
			if options.Filter != nil && !options.Filter(value) {
				continue
			}
			previous = value
			hasPrevious = true
			out.push(deepCopyValue(value))
		}
		out.finish(source.Err())
	}()
	return out
}

func lookupPath(state map[string]any, path StorePath) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var value any = state
	for _, key := range path {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func writePath(state map[string]any, path StorePath, value any) error {
	m := state
	for _, key := range path[0 : len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return fmt.Errorf("store path %s not present", path)
		}
		m = next
	}
	m[path[len(path)-1]] = value
	return nil
}

// immutability by copy: a json round trip detaches the result
// from every caller-held reference
func deepCopyState(state map[string]any) (map[string]any, error) {
	stateJson, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var stateCopy map[string]any
	if err := json.Unmarshal(stateJson, &stateCopy); err != nil {
		return nil, err
	}
	return stateCopy, nil
}

func deepCopyValue(value any) any {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var valueCopy any
	if err := json.Unmarshal(valueJson, &valueCopy); err != nil {
		return value
	}
	return valueCopy
}

func structurallyEqual(a any, b any) bool {
	aJson, aErr := json.Marshal(a)
	bJson, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return bytes.Equal(aJson, bJson)
}
