package treeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// called by the scheduler to hand a value to the session's outbound
// queue. `coalescible` marks sampled updates that may be superseded
// under backpressure
type EmitFunction func(sub *Subscription, path Path, value *Value, coalescible bool)

// per-subscription delivery policy for one session. On-change values
// pass through immediately; sampled subscriptions retain the latest
// value and emit on interval ticks; heartbeat intervals force an
// emission after prolonged silence. Timers run independently per
// subscription and never block tree mutation
type NotificationScheduler struct {
	ctx      context.Context
	nowNanos func() int64
	emit     EmitFunction

	stateLock sync.Mutex
	loops     map[Id]*sampleLoop
}

func NewNotificationScheduler(ctx context.Context, nowNanos func() int64, emit EmitFunction) *NotificationScheduler {
	return &NotificationScheduler{
		ctx:      ctx,
		nowNanos: nowNanos,
		emit:     emit,
		loops:    map[Id]*sampleLoop{},
	}
}

// installs timer loops for a subscription. Sampled subscriptions get a
// sample ticker; any subscription with a heartbeat interval gets a
// heartbeat ticker. On-change subscriptions without heartbeat need no
// loop. `seed` is the snapshot state at install time
func (self *NotificationScheduler) Install(sub *Subscription, seed []TreeEntry) {
	sampleInterval := time.Duration(0)
	if sub.EffectiveMode == SubscriptionModeSampled {
		sampleInterval = time.Duration(sub.SampleInterval)
	}
	heartbeatInterval := time.Duration(sub.HeartbeatInterval)
	if sampleInterval == 0 && heartbeatInterval == 0 {
		return
	}

	loop := newSampleLoop(self.ctx, sub, sampleInterval, heartbeatInterval, self.nowNanos, self.emit)
	for _, entry := range seed {
		loop.Observe(entry.Path, entry.Value)
	}

	self.stateLock.Lock()
	self.loops[sub.SubId] = loop
	self.stateLock.Unlock()
}

// feeds a committed change into the subscription's retained state.
// A nil value removes the leaf
func (self *NotificationScheduler) Observe(sub *Subscription, path Path, value *Value) {
	self.stateLock.Lock()
	loop := self.loops[sub.SubId]
	self.stateLock.Unlock()

	if loop != nil {
		loop.Observe(path, value)
	}
}

// synchronously retires all timers. Returns after every loop goroutine
// has exited, so a new subscription list can install cleanly
func (self *NotificationScheduler) StopAll() {
	self.stateLock.Lock()
	loops := maps.Values(self.loops)
	maps.Clear(self.loops)
	self.stateLock.Unlock()

	for _, loop := range loops {
		loop.Stop()
	}
}

type sampleLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	sub               *Subscription
	sampleInterval    time.Duration
	heartbeatInterval time.Duration
	nowNanos          func() int64
	emit              EmitFunction

	stateLock sync.Mutex
	latest    map[string]*Value
	paths     map[string]Path

	done chan struct{}
}

func newSampleLoop(
	ctx context.Context,
	sub *Subscription,
	sampleInterval time.Duration,
	heartbeatInterval time.Duration,
	nowNanos func() int64,
	emit EmitFunction,
) *sampleLoop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &sampleLoop{
		ctx:               cancelCtx,
		cancel:            cancel,
		sub:               sub,
		sampleInterval:    sampleInterval,
		heartbeatInterval: heartbeatInterval,
		nowNanos:          nowNanos,
		emit:              emit,
		latest:            map[string]*Value{},
		paths:             map[string]Path{},
		done:              make(chan struct{}),
	}
	go loop.run()
	return loop
}

func (self *sampleLoop) Observe(path Path, value *Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	leaf := path.String()
	if value == nil {
		delete(self.latest, leaf)
		delete(self.paths, leaf)
		return
	}
	self.latest[leaf] = value
	self.paths[leaf] = path.Clone()
}

func (self *sampleLoop) run() {
	defer close(self.done)

	var sampleC <-chan time.Time
	if 0 < self.sampleInterval {
		sampleTicker := time.NewTicker(self.sampleInterval)
		defer sampleTicker.Stop()
		sampleC = sampleTicker.C
	}
	var heartbeatC <-chan time.Time
	if 0 < self.heartbeatInterval {
		heartbeatTicker := time.NewTicker(self.heartbeatInterval)
		defer heartbeatTicker.Stop()
		heartbeatC = heartbeatTicker.C
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-sampleC:
			self.sample()
		case <-heartbeatC:
			self.heartbeat()
		}
	}
}

func (self *sampleLoop) snapshotLatest() ([]string, map[string]*Value, map[string]Path) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	leaves := maps.Keys(self.latest)
	sort.Strings(leaves)
	latest := map[string]*Value{}
	maps.Copy(latest, self.latest)
	paths := map[string]Path{}
	maps.Copy(paths, self.paths)
	return leaves, latest, paths
}

// on each tick, emit retained values that changed since last delivery.
// suppress-redundant off emits every tick regardless
func (self *sampleLoop) sample() {
	leaves, latest, paths := self.snapshotLatest()
	for _, leaf := range leaves {
		value := latest[leaf]
		if self.sub.SuppressRedundant && !self.sub.changedSince(leaf, value) {
			continue
		}
		self.emit(self.sub, paths[leaf], value, true)
		self.sub.markDelivered(leaf, value, self.nowNanos())
		glog.V(2).Infof("[sched]sample sub=%s leaf=%s\n", self.sub.SubId, leaf)
	}
}

// force-emit leaves silent for longer than the heartbeat interval,
// even if unchanged
func (self *sampleLoop) heartbeat() {
	nowNanos := self.nowNanos()
	leaves, latest, paths := self.snapshotLatest()
	for _, leaf := range leaves {
		if nowNanos-self.sub.lastSentTime(leaf) < int64(self.heartbeatInterval) {
			continue
		}
		value := latest[leaf]
		self.emit(self.sub, paths[leaf], value, false)
		self.sub.markDelivered(leaf, value, nowNanos)
		metricHeartbeats.Inc()
		glog.V(2).Infof("[sched]heartbeat sub=%s leaf=%s\n", self.sub.SubId, leaf)
	}
}

// synchronous. returns after the loop goroutine exits
func (self *sampleLoop) Stop() {
	self.cancel()
	<-self.done
}
