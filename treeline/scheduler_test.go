package treeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type emitRecorder struct {
	stateLock sync.Mutex
	emits     []emittedValue
}

type emittedValue struct {
	path        string
	value       *Value
	coalescible bool
}

func (self *emitRecorder) emit(sub *Subscription, path Path, value *Value, coalescible bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.emits = append(self.emits, emittedValue{
		path:        path.String(),
		value:       value,
		coalescible: coalescible,
	})
}

func (self *emitRecorder) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.emits)
}

func (self *emitRecorder) at(i int) emittedValue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.emits[i]
}

func (self *emitRecorder) waitCount(t *testing.T, n int, timeout time.Duration) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if n <= self.count() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d emits, have %d", n, self.count())
}

func testClock() func() int64 {
	clock := &monotonicClock{}
	return clock.NowNanos
}

func TestSampledEmitsOnChange(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := NewNotificationScheduler(cancelCtx, testClock(), recorder.emit)
	defer scheduler.StopAll()

	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(20*time.Millisecond), true, 0)
	scheduler.Install(sub, nil)

	scheduler.Observe(sub, RequirePath("/a/b"), NewTextValue(`1`, "json"))
	recorder.waitCount(t, 1, time.Second)

	// unchanged value with suppress-redundant stays quiet
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, recorder.count(), 1)

	scheduler.Observe(sub, RequirePath("/a/b"), NewTextValue(`2`, "json"))
	recorder.waitCount(t, 2, time.Second)
}

func TestSampledWithoutSuppressEmitsEveryTick(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := NewNotificationScheduler(cancelCtx, testClock(), recorder.emit)
	defer scheduler.StopAll()

	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(20*time.Millisecond), false, 0)
	scheduler.Install(sub, []TreeEntry{
		{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
	})

	// the same value is re-emitted on every tick
	recorder.waitCount(t, 3, time.Second)
}

func TestHeartbeatForcesEmission(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := testClock()
	scheduler := NewNotificationScheduler(cancelCtx, clock, recorder.emit)
	defer scheduler.StopAll()

	// a long sample interval with a short heartbeat: the heartbeat
	// fires even though the value never changes
	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(time.Hour), true, int64(30*time.Millisecond))
	sub.markDelivered("/a/b", NewTextValue(`1`, "json"), clock())
	scheduler.Install(sub, []TreeEntry{
		{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
	})

	recorder.waitCount(t, 1, time.Second)
	// heartbeat emissions are never coalescible
	assert.Equal(t, recorder.at(0).coalescible, false)
}

func TestHeartbeatZeroMeansNoForcing(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := testClock()
	scheduler := NewNotificationScheduler(cancelCtx, clock, recorder.emit)
	defer scheduler.StopAll()

	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(20*time.Millisecond), true, 0)
	sub.markDelivered("/a/b", NewTextValue(`1`, "json"), clock())
	scheduler.Install(sub, []TreeEntry{
		{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
	})

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, recorder.count(), 0)
}

func TestStopAllIsSynchronous(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := NewNotificationScheduler(cancelCtx, testClock(), recorder.emit)

	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(10*time.Millisecond), false, 0)
	scheduler.Install(sub, []TreeEntry{
		{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
	})

	scheduler.StopAll()
	countAfterStop := recorder.count()
	time.Sleep(100 * time.Millisecond)
	// no timer survives StopAll
	assert.Equal(t, recorder.count(), countAfterStop)
}

func TestDeleteRemovesRetainedLeaf(t *testing.T) {
	recorder := &emitRecorder{}
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := NewNotificationScheduler(cancelCtx, testClock(), recorder.emit)
	defer scheduler.StopAll()

	sub := NewSubscription(RequirePath("/a"), SubscriptionModeSampled, int64(20*time.Millisecond), false, 0)
	scheduler.Install(sub, []TreeEntry{
		{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
	})

	recorder.waitCount(t, 1, time.Second)
	scheduler.Observe(sub, RequirePath("/a/b"), nil)
	time.Sleep(60 * time.Millisecond)
	countAfterDelete := recorder.count()
	time.Sleep(100 * time.Millisecond)
	// the removed leaf is no longer sampled
	assert.Equal(t, recorder.count() <= countAfterDelete+1, true)
}
