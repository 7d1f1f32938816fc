package conduit

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testStoreState() map[string]any {
	return map[string]any{
		"session": map[string]any{
			"user":   "none",
			"active": false,
		},
		"channel": "idle",
	}
}

func TestStoreGetSet(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	assert.Equal(t, store.Get("channel", nil), "idle")
	assert.Equal(t, store.GetIn(NewStorePath("session.user"), nil), "none")
	// an absent path reads as the not-set value, never an error
	assert.Equal(t, store.GetIn(NewStorePath("session.missing"), "fallback"), "fallback")

	err = store.Set("channel", "open")
	assert.Equal(t, err, nil)
	assert.Equal(t, store.Get("channel", nil), "open")

	err = store.SetIn(NewStorePath("session.user"), "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, store.GetIn(NewStorePath("session.user"), nil), "alice")
}

func TestStoreClosedSchema(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	// writes outside the construction-time schema fail
	err = store.Set("unknown", 1)
	assert.NotEqual(t, err, nil)
	err = store.SetIn(NewStorePath("session.unknown"), 1)
	assert.NotEqual(t, err, nil)
	err = store.SetIn(StorePath{}, 1)
	assert.NotEqual(t, err, nil)

	// the failed writes changed nothing
	assert.Equal(t, store.Get("unknown", "not set"), "not set")

	_, err = NewStore(map[string]any{})
	assert.NotEqual(t, err, nil)
}

func TestStoreSnapshotIsolation(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	// mutating a handed-out snapshot never reaches internal state
	snapshot := store.State()
	snapshot["channel"] = "corrupted"
	snapshot["session"].(map[string]any)["user"] = "corrupted"
	assert.Equal(t, store.Get("channel", nil), "idle")
	assert.Equal(t, store.GetIn(NewStorePath("session.user"), nil), "none")

	// mutating a value after a set never reaches internal state either
	nested := map[string]any{"name": "alice"}
	err = store.SetIn(NewStorePath("session.user"), nested)
	assert.Equal(t, err, nil)
	nested["name"] = "corrupted"
	assert.Equal(t, store.GetIn(NewStorePath("session.user.name"), nil), "alice")
}

func TestStoreSelect(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	sub := store.Select("channel", nil)
	// the current value replays immediately
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "idle")
	case <-time.After(1 * time.Second):
		t.Fatal("initial value did not arrive")
	}

	store.Set("channel", "open")
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "open")
	case <-time.After(1 * time.Second):
		t.Fatal("change did not arrive")
	}

	// a structurally equal set is suppressed, a changed set is not
	store.Set("channel", "open")
	store.Set("channel", "closed")
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "closed")
	case <-time.After(1 * time.Second):
		t.Fatal("change did not arrive")
	}

	sub.Close()
}

func TestStoreSelectInUnrelatedChange(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	sub := store.SelectIn(NewStorePath("session.user"), nil)
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "none")
	case <-time.After(1 * time.Second):
		t.Fatal("initial value did not arrive")
	}

	// a change elsewhere in the snapshot does not emit for this path
	store.Set("channel", "open")
	store.SetIn(NewStorePath("session.user"), "alice")
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "alice")
	case <-time.After(1 * time.Second):
		t.Fatal("change did not arrive")
	}

	sub.Close()
}

func TestStoreSelectFilter(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	sub := store.Select("channel", &SelectOptions{
		Filter: func(value any) bool {
			return value == "open"
		},
	})

	store.Set("channel", "open")
	select {
	case value := <-sub.Values():
		assert.Equal(t, value, "open")
	case <-time.After(1 * time.Second):
		t.Fatal("filtered value did not arrive")
	}

	sub.Close()
}

func TestStoreReset(t *testing.T) {
	store, err := NewStore(testStoreState())
	assert.Equal(t, err, nil)

	store.Set("channel", "open")
	store.Reset()
	assert.Equal(t, store.Get("channel", nil), "idle")

	err = store.ResetWithState(map[string]any{"channel": "replaced"})
	assert.Equal(t, err, nil)
	assert.Equal(t, store.Get("channel", nil), "replaced")
	assert.Equal(t, store.GetIn(NewStorePath("session.user"), "gone"), "gone")

	err = store.ResetWithState(map[string]any{})
	assert.NotEqual(t, err, nil)
}
