package treeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/oklog/ulid/v2"

	"github.com/golang/glog"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type GetQuery struct {
	ClientId Id
	Prefix   Path
	Paths    []Path
	Filter   TypeFilter
	// advisory only: how stale a cached answer the client accepts
	CacheIntervalHint int64
}

// Get has no atomicity requirement: an invalid path errors
// individually without aborting retrieval of the others
type GetResponse struct {
	Notifications []*Notification
	Errors        []*Error
}

func DefaultTargetSettings() *TargetSettings {
	return &TargetSettings{
		Policy:  DefaultPolicyConfig(),
		Mutator: DefaultMutatorSettings(),
		Session: DefaultStreamSessionSettings(),
	}
}

type TargetSettings struct {
	// static policy, superseded per call when a PolicyWatcher is attached
	Policy  *PolicyConfig
	Mutator *MutatorSettings
	Session *StreamSessionSettings
	// static model summaries answered by GetModels. The engine never
	// consults these for data
	Models []ModelInfo
}

// the engine facade: the canonical tree plus the live session set.
// Set transactions fan out to every session's subscription index
type Target struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *TargetSettings

	tree    *ConfigTree
	mutator *Mutator
	aliases *AliasTable

	policyWatcher *PolicyWatcher

	stateLock sync.Mutex
	sessions  map[Id]*StreamSession
}

func NewTargetWithDefaults(ctx context.Context) *Target {
	return NewTarget(ctx, DefaultTargetSettings())
}

func NewTarget(ctx context.Context, settings *TargetSettings) *Target {
	cancelCtx, cancel := context.WithCancel(ctx)
	tree := NewConfigTree()
	target := &Target{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		tree:     tree,
		mutator:  NewMutator(tree, settings.Mutator),
		sessions: map[Id]*StreamSession{},
	}
	target.aliases = NewAliasTable(tree, func() AliasPrecedence {
		return target.Policy().AliasPrecedence
	})
	return target
}

// hot-reloaded policy for new sessions; existing sessions keep the
// policy they were opened with
func (self *Target) AttachPolicyWatcher(policyWatcher *PolicyWatcher) {
	self.policyWatcher = policyWatcher
}

func (self *Target) Policy() *PolicyConfig {
	if self.policyWatcher != nil {
		return self.policyWatcher.Config()
	}
	return self.settings.Policy
}

func (self *Target) Tree() *ConfigTree {
	return self.tree
}

func (self *Target) Aliases() *AliasTable {
	return self.aliases
}

// snapshot read, bypassing subscriptions
func (self *Target) Get(query *GetQuery) *GetResponse {
	snapshot := self.tree.Snapshot()
	prefix := self.aliases.ResolvePrefix(query.ClientId, query.Prefix)

	response := &GetResponse{}
	paths := query.Paths
	if len(paths) == 0 {
		paths = []Path{{}}
	}
	ts := self.tree.NowNanos()
	for _, path := range paths {
		if err := path.Validate(); err != nil {
			response.Errors = append(response.Errors, err.(*Error))
			continue
		}
		abs := prefix.Join(path)
		notification := &Notification{
			Ts:     ts,
			Prefix: prefix,
		}
		for _, entry := range snapshot.Leaves(abs) {
			if !snapshot.MatchFilter(entry, query.Filter) {
				continue
			}
			rel := entry.Path[len(prefix):]
			notification.Updates = append(notification.Updates, UpdateEntry{
				Path:  rel.Clone(),
				Value: entry.Value,
			})
		}
		response.Notifications = append(response.Notifications, notification)
	}
	return response
}

// an atomic config transaction. On success the committed changes fan
// out to every live session
func (self *Target) Set(request *SetRequest) (*SetResult, error) {
	result, events, err := self.mutator.Apply(request, DataClassConfig)
	if err != nil {
		metricRejectedTransactions.Inc()
		return result, err
	}
	metricCommits.Inc()
	self.fanOut(events)
	return result, nil
}

// targets publish operational/state data internally through the same
// atomic path as Set
func (self *Target) PublishState(path Path, value *Value) error {
	request := &SetRequest{
		Updates: []UpdateOp{{Path: path, Value: value}},
	}
	_, events, err := self.mutator.Apply(request, DataClassState)
	if err != nil {
		return err
	}
	self.fanOut(events)
	return nil
}

func (self *Target) DeleteState(path Path) error {
	request := &SetRequest{
		Deletes: []DeleteOp{{Path: path}},
	}
	_, events, err := self.mutator.Apply(request, DataClassState)
	if err != nil {
		return err
	}
	self.fanOut(events)
	return nil
}

func (self *Target) fanOut(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	self.stateLock.Lock()
	sessions := maps.Values(self.sessions)
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.notify(events)
	}
	glog.V(2).Infof("[target]fanout events=%d sessions=%d\n", len(events), len(sessions))
}

// target-defined aliases, administered out of band
func (self *Target) DefineAlias(alias string, path Path) error {
	return self.aliases.DefineTarget(alias, path)
}

// model summaries for the external GetModels collaborator. Never
// touches the tree
func (self *Target) Models() []ModelInfo {
	return self.settings.Models
}

func (self *Target) OpenSession(clientId Id) *StreamSession {
	session := newStreamSession(self.ctx, self, clientId, self.Policy(), self.settings.Session)

	self.stateLock.Lock()
	self.sessions[session.SessionId()] = session
	self.stateLock.Unlock()

	return session
}

func (self *Target) dropSession(session *StreamSession) {
	self.stateLock.Lock()
	delete(self.sessions, session.SessionId())
	self.stateLock.Unlock()
}

// tears down every session and stops the engine
func (self *Target) Close() {
	self.cancel()
}
