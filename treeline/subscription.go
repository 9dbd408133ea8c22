package treeline

import (
	"fmt"
	"sync"
)

// delivery modes
// the numeric values are part of the wire contract and must not change
type SubscriptionMode int

const (
	SubscriptionModeTargetDefined SubscriptionMode = 0
	SubscriptionModeOnChange      SubscriptionMode = 1
	SubscriptionModeSampled       SubscriptionMode = 2
)

func (self SubscriptionMode) String() string {
	switch self {
	case SubscriptionModeTargetDefined:
		return "target_defined"
	case SubscriptionModeOnChange:
		return "on_change"
	case SubscriptionModeSampled:
		return "sampled"
	default:
		return fmt.Sprintf("mode(%d)", int(self))
	}
}

// a standing request for updates under one path. Owned exclusively by
// the session that created it; retired when the session ends or a new
// subscription list supersedes it
type Subscription struct {
	SubId Id
	Path  Path
	Mode  SubscriptionMode
	// delivery policy after target-defined resolution
	EffectiveMode     SubscriptionMode
	SampleInterval    int64
	SuppressRedundant bool
	HeartbeatInterval int64

	// last delivered value and time per matched leaf
	stateLock sync.Mutex
	lastValue map[string]*Value
	lastSent  map[string]int64
}

func NewSubscription(path Path, mode SubscriptionMode, sampleInterval int64, suppressRedundant bool, heartbeatInterval int64) *Subscription {
	return &Subscription{
		SubId:             NewId(),
		Path:              path.Clone(),
		Mode:              mode,
		EffectiveMode:     mode,
		SampleInterval:    sampleInterval,
		SuppressRedundant: suppressRedundant,
		HeartbeatInterval: heartbeatInterval,
		lastValue:         map[string]*Value{},
		lastSent:          map[string]int64{},
	}
}

// records a delivery. Returns false when the value is unchanged since
// the last delivery for the leaf
func (self *Subscription) markDelivered(leaf string, value *Value, ts int64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changed := !value.Equal(self.lastValue[leaf])
	self.lastValue[leaf] = value
	self.lastSent[leaf] = ts
	return changed
}

func (self *Subscription) changedSince(leaf string, value *Value) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	last, ok := self.lastValue[leaf]
	if !ok {
		return true
	}
	return !value.Equal(last)
}

func (self *Subscription) lastSentTime(leaf string) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastSent[leaf]
}

func (self *Subscription) forgetLeaf(leaf string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.lastValue, leaf)
	delete(self.lastSent, leaf)
}

type subTrieNode struct {
	children map[string]*subTrieNode
	sub      *Subscription
}

func newSubTrieNode() *subTrieNode {
	return &subTrieNode{
		children: map[string]*subTrieNode{},
	}
}

// a trie over path elements mapping a mutated path to the single owning
// subscription. The deepest node carrying a subscription wins, so a
// subscription on /x/y/counters overrides one on /x/y for paths under
// counters. Owned by one session goroutine; not safe for concurrent use
type SubscriptionIndex struct {
	root *subTrieNode
	subs []*Subscription
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		root: newSubTrieNode(),
	}
}

func (self *SubscriptionIndex) Add(sub *Subscription) {
	node := self.root
	for _, element := range sub.Path {
		child, ok := node.children[element]
		if !ok {
			child = newSubTrieNode()
			node.children[element] = child
		}
		node = child
	}
	// a later subscription on the same path supersedes
	if node.sub != nil {
		for i, existing := range self.subs {
			if existing == node.sub {
				self.subs = append(self.subs[:i], self.subs[i+1:]...)
				break
			}
		}
	}
	node.sub = sub
	self.subs = append(self.subs, sub)
}

// the most specific subscription governing `path`, or nil
func (self *SubscriptionIndex) Match(path Path) *Subscription {
	node := self.root
	deepest := node.sub
	for _, element := range path {
		child, ok := node.children[element]
		if !ok {
			break
		}
		node = child
		if node.sub != nil {
			deepest = node.sub
		}
	}
	return deepest
}

func (self *SubscriptionIndex) All() []*Subscription {
	return self.subs
}

func (self *SubscriptionIndex) Clear() {
	self.root = newSubTrieNode()
	self.subs = nil
}
