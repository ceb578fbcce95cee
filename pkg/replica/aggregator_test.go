package replica

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_LastWriteWinsPerKey(t *testing.T) {
	a := newAggregator(time.Hour, func() {})
	defer a.stop()

	a.add("w1", "color", actionAdd)
	a.add("w1", "size", actionAdd)
	a.add("w1", "color", actionRemove)
	a.add("w2", "color", actionAdd)

	sets := a.drain()
	a.finish()
	require.Len(t, sets, 2)

	var got []string
	sets["w1"].each(func(key string, act action) {
		if act == actionRemove {
			key = "-" + key
		}
		got = append(got, key)
	})
	assert.Equal(t, []string{"-color", "size"}, got, "overwrite keeps the original position")
}

func TestAggregator_SharedTrailingTimer(t *testing.T) {
	var fired atomic.Int32
	a := newAggregator(30*time.Millisecond, func() { fired.Add(1) })
	defer a.stop()

	a.add("w1", "a", actionAdd)
	a.add("w2", "b", actionAdd)
	a.add("w1", "a", actionAdd)

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "one timer for every pending id")
}

func TestAggregator_RearmsAfterFlushWhenChangesArrived(t *testing.T) {
	var fired atomic.Int32
	a := newAggregator(20*time.Millisecond, func() { fired.Add(1) })
	defer a.stop()

	a.add("w1", "a", actionAdd)
	a.drain()
	// A change lands while the flush is in progress: no timer yet.
	a.add("w1", "b", actionAdd)
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, fired.Load())

	a.finish()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAggregator_TakeDisarmsWhenEmpty(t *testing.T) {
	var fired atomic.Int32
	a := newAggregator(20*time.Millisecond, func() { fired.Add(1) })
	defer a.stop()

	a.add("w1", "a", actionAdd)
	set := a.take("w1")
	assert.Equal(t, 1, set.len())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load(), "a stale timer never fires")
	assert.Empty(t, a.ids())
}

func TestAggregator_StopRejectsChanges(t *testing.T) {
	a := newAggregator(time.Hour, func() {})
	a.add("w1", "a", actionAdd)
	a.stop()

	assert.False(t, a.add("w1", "b", actionAdd))
	assert.Empty(t, a.drain())
}

func TestResolver_WaitAndResolve(t *testing.T) {
	r := newResolver[string]()
	none := func() (string, bool) { return "", false }

	done := make(chan string, 1)
	go func() {
		v, _ := r.wait(context.Background(), "w1", time.Second, none)
		done <- v
	}()

	assert.Eventually(t, func() bool { return r.resolve("w1", "inst") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "inst", <-done)
}

func TestResolver_LookupAfterPark(t *testing.T) {
	r := newResolver[string]()
	v, ok := r.wait(context.Background(), "w1", time.Hour, func() (string, bool) { return "inst", true })
	assert.True(t, ok)
	assert.Equal(t, "inst", v)
	assert.Empty(t, r.waiters, "waiter is unparked")
}

func TestResolver_CloseReleasesAsAbsent(t *testing.T) {
	r := newResolver[string]()
	none := func() (string, bool) { return "", false }

	done := make(chan bool, 1)
	go func() {
		_, ok := r.wait(context.Background(), "w1", time.Hour, none)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	r.close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	_, ok := r.wait(context.Background(), "w1", time.Hour, none)
	assert.False(t, ok, "closed resolver does not park")
}

func TestRegistry_Bidirectional(t *testing.T) {
	r := newRegistry[*int]()
	a, b := new(int), new(int)

	require.NoError(t, r.register("a", a))
	assert.ErrorIs(t, r.register("a", b), domain.ErrDuplicateID)
	assert.ErrorIs(t, r.register("b", a), domain.ErrInstanceRegistered)
	require.NoError(t, r.register("b", b))

	id, ok := r.idOf(b)
	assert.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, []string{"a", "b"}, r.ids())

	assert.False(t, r.unregisterIf("a", b))
	inst, ok := r.unregister("a")
	assert.True(t, ok)
	assert.Same(t, a, inst)
	_, ok = r.idOf(a)
	assert.False(t, ok)

	assert.Len(t, r.drain(), 1)
	assert.Empty(t, r.ids())
}
