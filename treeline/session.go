package treeline

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionStateInit SessionState = iota
	// STREAM mode after sync
	SessionStateStreaming
	// POLL mode between polls
	SessionStateWaitPoll
	// emitting subscribed values
	SessionStateSending
	SessionStateClosed
)

func (self SessionState) String() string {
	switch self {
	case SessionStateInit:
		return "INIT"
	case SessionStateStreaming:
		return "STREAMING"
	case SessionStateWaitPoll:
		return "WAIT_POLL"
	case SessionStateSending:
		return "SENDING"
	case SessionStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func DefaultStreamSessionSettings() *StreamSessionSettings {
	return &StreamSessionSettings{
		RequestQueueSize: 16,
		ChangeQueueSize:  1024,
	}
}

type StreamSessionSettings struct {
	RequestQueueSize int
	ChangeQueueSize  int
}

// one streaming connection. The session goroutine owns the protocol
// state machine and the subscription index; schedulers feed the
// outbound queue asynchronously. Sessions share nothing but the
// read-only tree snapshots and the alias table
type StreamSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id
	clientId  Id

	target   *Target
	policy   *PolicyConfig
	settings *StreamSessionSettings

	requests chan *SessionRequest
	outbound chan *StreamMessage
	changes  chan []ChangeEvent

	scheduler *NotificationScheduler
	// session-goroutine owned
	index   *SubscriptionIndex
	prefix  Path
	pending []*SessionRequest

	stateLock      sync.Mutex
	state          SessionState
	mode           StreamMode
	useAliases     bool
	qos            uint32
	heartbeatNanos int64
	lastSendNanos  int64
	closeErr       *Error

	done chan struct{}
}

func newStreamSession(ctx context.Context, target *Target, clientId Id, policy *PolicyConfig, settings *StreamSessionSettings) *StreamSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &StreamSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: NewId(),
		clientId:  clientId,
		target:    target,
		policy:    policy,
		settings:  settings,
		requests:  make(chan *SessionRequest, settings.RequestQueueSize),
		outbound:  make(chan *StreamMessage, policy.OutboundQueueSize),
		changes:   make(chan []ChangeEvent, settings.ChangeQueueSize),
		index:     NewSubscriptionIndex(),
		state:     SessionStateInit,
		done:      make(chan struct{}),
	}
	session.scheduler = NewNotificationScheduler(cancelCtx, target.tree.NowNanos, session.emitScheduled)
	go session.run()
	return session
}

func (self *StreamSession) SessionId() Id {
	return self.sessionId
}

func (self *StreamSession) ClientId() Id {
	return self.clientId
}

func (self *StreamSession) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StreamSession) Mode() StreamMode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.mode
}

// the terminal error, if the session closed abnormally
func (self *StreamSession) Err() *Error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeErr
}

func (self *StreamSession) Outbound() <-chan *StreamMessage {
	return self.outbound
}

func (self *StreamSession) Done() <-chan struct{} {
	return self.done
}

// hands an inbound request to the session goroutine
func (self *StreamSession) Deliver(request *SessionRequest) error {
	select {
	case self.requests <- request:
		return nil
	case <-self.ctx.Done():
		return NewError(CodeUnsupportedSubscription, "session closed")
	}
}

func (self *StreamSession) Close() {
	self.cancel()
}

// called by the target's fan-out on commit. Must not block the mutator
func (self *StreamSession) notify(events []ChangeEvent) {
	select {
	case self.changes <- events:
	default:
		// the change queue saturated. losing on-change or delete
		// notifications is not allowed, so the session closes
		glog.Infof("[sess]%s change queue saturated, closing\n", self.sessionId)
		self.closeWithError(NewError(CodeUnsupportedSubscription, "change queue saturated"))
	}
}

func (self *StreamSession) run() {
	defer func() {
		self.scheduler.StopAll()
		self.target.dropSession(self)
		self.target.aliases.DropClient(self.sessionId)
		metricSessionsClosed.Inc()
		metricActiveSessions.Dec()
		glog.V(1).Infof("[sess]%s closed state=%s\n", self.sessionId, self.State())
		close(self.done)
	}()

	metricSessionsOpened.Inc()
	metricActiveSessions.Inc()
	glog.V(1).Infof("[sess]%s open client=%s\n", self.sessionId, self.clientId)

	for {
		var heartbeatC <-chan time.Time
		if interval, last := self.heartbeatState(); 0 < interval {
			delay := time.Duration(interval - (self.target.tree.NowNanos() - last))
			if delay < 0 {
				delay = 0
			}
			heartbeatC = time.After(delay)
		}

		select {
		case <-self.ctx.Done():
			return
		case request := <-self.requests:
			self.handleRequest(request)
		case events := <-self.changes:
			self.handleChanges(events)
		case <-heartbeatC:
			self.emitSessionHeartbeat()
		}

		for 0 < len(self.pending) {
			request := self.pending[0]
			self.pending = self.pending[1:]
			self.handleRequest(request)
		}

		if self.State() == SessionStateClosed {
			return
		}
	}
}

func (self *StreamSession) heartbeatState() (int64, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.heartbeatNanos, self.lastSendNanos
}

func (self *StreamSession) setState(state SessionState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

func (self *StreamSession) handleRequest(request *SessionRequest) {
	switch {
	case request.Subscribe != nil:
		self.installSubscriptionList(request.Subscribe)
	case request.Poll:
		self.handlePoll()
	case request.Heartbeat != nil:
		self.applyHeartbeatRequest(request.Heartbeat)
	case request.Aliases != nil:
		self.applyAliases(request.Aliases)
	}
	// request.Proxies is informational pass-through
}

// mode and interval validation happens here, before any data flows
func (self *StreamSession) validateList(list *SubscriptionList) *Error {
	switch list.Mode {
	case StreamModeStream, StreamModeOnce:
	case StreamModePoll:
		if !self.policy.AllowPoll {
			return ErrUnsupportedSubscription("POLL mode is disabled on this target")
		}
	default:
		return ErrUnsupportedSubscription("unknown stream mode %d", int(list.Mode))
	}

	for _, spec := range list.Subscriptions {
		if err := spec.Path.Validate(); err != nil {
			return err.(*Error)
		}
		switch spec.Mode {
		case SubscriptionModeTargetDefined, SubscriptionModeOnChange, SubscriptionModeSampled:
		default:
			return ErrUnsupportedSubscription("unknown subscription mode %d", int(spec.Mode))
		}
		if 0 < spec.SampleInterval && spec.SampleInterval < self.policy.MinSampleInterval.Nanos() {
			return ErrUnsatisfiableInterval(
				"sample interval %dns below floor %s", spec.SampleInterval, self.policy.MinSampleInterval.Duration())
		}
		if 0 < spec.HeartbeatInterval && spec.HeartbeatInterval < self.policy.MinHeartbeatInterval.Nanos() {
			return ErrUnsatisfiableInterval(
				"heartbeat interval %dns below floor %s", spec.HeartbeatInterval, self.policy.MinHeartbeatInterval.Duration())
		}
	}
	return nil
}

// a new subscription list atomically replaces the previous set.
// prior timers are retired synchronously before the new ones install
func (self *StreamSession) installSubscriptionList(list *SubscriptionList) {
	if err := self.validateList(list); err != nil {
		self.closeWithError(err)
		return
	}

	self.scheduler.StopAll()
	self.index.Clear()

	prefix := self.target.aliases.ResolvePrefix(self.sessionId, list.Prefix)

	self.stateLock.Lock()
	self.mode = list.Mode
	self.useAliases = list.UseAliases
	self.qos = list.Qos
	self.stateLock.Unlock()
	self.prefix = prefix

	for _, spec := range list.Subscriptions {
		sub := NewSubscription(
			prefix.Join(spec.Path),
			spec.Mode,
			spec.SampleInterval,
			spec.SuppressRedundant,
			spec.HeartbeatInterval,
		)
		self.resolveEffective(sub)
		self.index.Add(sub)
		glog.V(1).Infof("[sess]%s subscribe %s %s/%s\n", self.sessionId, sub.Path, sub.Mode, sub.EffectiveMode)
	}

	switch list.Mode {
	case StreamModeStream:
		snapshot := self.target.tree.Snapshot()
		self.setState(SessionStateSending)
		if err := self.sendSnapshot(snapshot); err != nil {
			self.closeWithError(err)
			return
		}
		self.setState(SessionStateStreaming)
		for _, sub := range self.index.All() {
			self.scheduler.Install(sub, snapshot.Leaves(sub.Path))
		}
	case StreamModeOnce:
		snapshot := self.target.tree.Snapshot()
		self.setState(SessionStateSending)
		if err := self.sendSnapshot(snapshot); err != nil {
			self.closeWithError(err)
			return
		}
		self.closeNormally()
	case StreamModePoll:
		self.setState(SessionStateWaitPoll)
	}
}

// target-defined delivery resolves to a concrete policy at subscribe
// time. Sampled with interval 0 asks the target to select one
func (self *StreamSession) resolveEffective(sub *Subscription) {
	if sub.Mode == SubscriptionModeTargetDefined {
		sub.EffectiveMode = self.policy.TargetDefinedMode
	}
	if sub.EffectiveMode == SubscriptionModeSampled && sub.SampleInterval == 0 {
		sub.SampleInterval = self.policy.TargetDefinedSampleInterval.Nanos()
	}
}

func (self *StreamSession) handlePoll() {
	if self.Mode() != StreamModePoll || self.State() != SessionStateWaitPoll {
		self.closeWithError(ErrOverlappingPoll("poll outside WAIT_POLL"))
		return
	}
	self.setState(SessionStateSending)
	snapshot := self.target.tree.Snapshot()
	if err := self.sendSnapshot(snapshot); err != nil {
		self.closeWithError(err)
		return
	}
	self.setState(SessionStateWaitPoll)
}

// emits every subscribed value once, then the sync signal. Requests
// arriving mid-send are examined: a poll here is a protocol violation
func (self *StreamSession) sendSnapshot(snapshot *TreeSnapshot) *Error {
	nowNanos := self.target.tree.NowNanos()
	for _, sub := range self.index.All() {
		for _, entry := range snapshot.Leaves(sub.Path) {
			msg := &StreamMessage{
				Notification: self.makeNotification(entry.Path, entry.Value, nowNanos),
			}
			if err := self.sendWithRequests(msg); err != nil {
				return err
			}
			sub.markDelivered(entry.Path.String(), entry.Value, nowNanos)
		}
	}
	return self.sendWithRequests(&StreamMessage{Sync: true})
}

// blocking send that keeps servicing the inbound queue so that an
// overlapping poll is detected rather than deadlocked. requests are
// handled serially, so the overlap is only observable while a send is
// blocked; a second poll that arrives with queue headroom is handled
// after the current response completes, as a fresh poll
func (self *StreamSession) sendWithRequests(msg *StreamMessage) *Error {
	for {
		select {
		case self.outbound <- msg:
			self.noteSend()
			if msg.Notification != nil {
				metricNotificationsSent.WithLabelValues(self.Mode().String()).Inc()
			}
			return nil
		case request := <-self.requests:
			if request.Poll {
				return ErrOverlappingPoll("poll received while a poll response is in progress")
			}
			if request.Heartbeat != nil {
				self.applyHeartbeatRequest(request.Heartbeat)
				continue
			}
			// subscribe lists and alias lists are deferred until the
			// current emission completes
			self.pending = append(self.pending, request)
		case <-self.ctx.Done():
			return nil
		}
	}
}

func (self *StreamSession) handleChanges(events []ChangeEvent) {
	if self.State() != SessionStateStreaming {
		// ONCE is closed; POLL reads the snapshot on each poll
		return
	}
	for i := range events {
		event := &events[i]
		sub := self.index.Match(event.Path)
		if sub == nil {
			continue
		}
		glog.V(2).Infof("[sess]%s match %s -> %s\n", self.sessionId, event.Path, sub.Path)

		if event.IsDelete() {
			// delete-derived notifications bypass sampling
			self.enqueue(&StreamMessage{
				Notification: self.makeDeleteNotification(event.Path, event.Ts),
			}, false)
			sub.forgetLeaf(event.Path.String())
			self.scheduler.Observe(sub, event.Path, nil)
			continue
		}

		// the scheduler's retained state tracks every mode, so heartbeat
		// forcing re-emits the latest value, not the install-time seed
		self.scheduler.Observe(sub, event.Path, event.Value)

		if sub.EffectiveMode == SubscriptionModeOnChange {
			if sub.changedSince(event.Path.String(), event.Value) {
				self.enqueue(&StreamMessage{
					Notification: self.makeNotification(event.Path, event.Value, event.Ts),
				}, false)
				sub.markDelivered(event.Path.String(), event.Value, event.Ts)
			}
		}
	}
}

// EmitFunction for the scheduler's timer loops
func (self *StreamSession) emitScheduled(sub *Subscription, path Path, value *Value, coalescible bool) {
	self.enqueue(&StreamMessage{
		Notification: self.makeNotification(path, value, self.target.tree.NowNanos()),
	}, coalescible)
}

// bounded enqueue with the configured drop policy. Sampled updates may
// be superseded; anything else blocks briefly and then closes the
// session rather than silently disappearing
func (self *StreamSession) enqueue(msg *StreamMessage, coalescible bool) bool {
	select {
	case self.outbound <- msg:
		self.noteSend()
		if msg.Notification != nil {
			metricNotificationsSent.WithLabelValues(self.Mode().String()).Inc()
		}
		return true
	default:
	}

	if self.policy.DropPolicy == DropPolicyClose {
		glog.Infof("[sess]%s outbound queue full, closing\n", self.sessionId)
		self.closeWithError(NewError(CodeUnsupportedSubscription, "outbound queue saturated"))
		return false
	}
	if coalescible {
		// superseded by the next sample tick
		metricNotificationsCoalesced.Inc()
		return false
	}

	select {
	case self.outbound <- msg:
		self.noteSend()
		if msg.Notification != nil {
			metricNotificationsSent.WithLabelValues(self.Mode().String()).Inc()
		}
		return true
	case <-time.After(self.policy.EnqueueTimeout.Duration()):
		metricNotificationsDropped.Inc()
		glog.Infof("[sess]%s outbound queue saturated beyond timeout, closing\n", self.sessionId)
		self.closeWithError(NewError(CodeUnsupportedSubscription, "outbound queue saturated"))
		return false
	case <-self.ctx.Done():
		return false
	}
}

func (self *StreamSession) noteSend() {
	self.stateLock.Lock()
	self.lastSendNanos = self.target.tree.NowNanos()
	self.stateLock.Unlock()
}

func (self *StreamSession) applyHeartbeatRequest(request *HeartbeatRequest) {
	if request.IntervalNanos == 0 {
		// an immediate liveness response
		self.enqueue(&StreamMessage{Heartbeat: true}, false)
		metricHeartbeats.Inc()
		return
	}
	if request.IntervalNanos < self.policy.MinHeartbeatInterval.Nanos() {
		self.closeWithError(ErrUnsatisfiableInterval(
			"session heartbeat %dns below floor %s", request.IntervalNanos, self.policy.MinHeartbeatInterval.Duration()))
		return
	}
	self.stateLock.Lock()
	self.heartbeatNanos = request.IntervalNanos
	self.stateLock.Unlock()
	glog.V(1).Infof("[sess]%s heartbeat interval %dns\n", self.sessionId, request.IntervalNanos)
}

func (self *StreamSession) emitSessionHeartbeat() {
	interval, last := self.heartbeatState()
	if interval <= 0 {
		return
	}
	if self.target.tree.NowNanos()-last < interval {
		// traffic arrived while the timer was pending
		return
	}
	self.enqueue(&StreamMessage{Heartbeat: true}, false)
	metricHeartbeats.Inc()
	glog.V(2).Infof("[sess]%s heartbeat\n", self.sessionId)
}

func (self *StreamSession) applyAliases(defs []AliasDefinition) {
	for _, def := range defs {
		if err := self.target.aliases.DefineClient(self.sessionId, def.Alias, def.Path); err != nil {
			self.closeWithError(err.(*Error))
			return
		}
	}
}

func (self *StreamSession) makeNotification(path Path, value *Value, ts int64) *Notification {
	notification := &Notification{
		Ts: ts,
	}
	if 0 < len(self.prefix) && path.HasPrefix(self.prefix) {
		rel := path[len(self.prefix):]
		notification.Updates = []UpdateEntry{{Path: rel.Clone(), Value: value}}
		if self.isUseAliases() {
			if alias, ok := self.target.aliases.TargetAliasFor(self.prefix); ok {
				notification.Alias = alias
				return notification
			}
		}
		notification.Prefix = self.prefix
		return notification
	}
	notification.Updates = []UpdateEntry{{Path: path.Clone(), Value: value}}
	return notification
}

func (self *StreamSession) makeDeleteNotification(path Path, ts int64) *Notification {
	notification := &Notification{
		Ts: ts,
	}
	if 0 < len(self.prefix) && path.HasPrefix(self.prefix) {
		rel := path[len(self.prefix):]
		notification.Deletes = []Path{rel.Clone()}
		if self.isUseAliases() {
			if alias, ok := self.target.aliases.TargetAliasFor(self.prefix); ok {
				notification.Alias = alias
				return notification
			}
		}
		notification.Prefix = self.prefix
		return notification
	}
	notification.Deletes = []Path{path.Clone()}
	return notification
}

func (self *StreamSession) isUseAliases() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.useAliases
}

func (self *StreamSession) closeWithError(err *Error) {
	self.stateLock.Lock()
	alreadyClosed := self.state == SessionStateClosed
	if !alreadyClosed {
		self.state = SessionStateClosed
		self.closeErr = err
	}
	self.stateLock.Unlock()
	if alreadyClosed {
		return
	}

	glog.Infof("[sess]%s closing: %s\n", self.sessionId, err)
	// best effort; the queue may be full
	select {
	case self.outbound <- &StreamMessage{Error: err}:
	default:
	}
	self.cancel()
}

func (self *StreamSession) closeNormally() {
	self.stateLock.Lock()
	if self.state != SessionStateClosed {
		self.state = SessionStateClosed
	}
	self.stateLock.Unlock()
	self.cancel()
}
