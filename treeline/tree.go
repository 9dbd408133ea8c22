package treeline

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// data class of a node. Set transactions write config data;
// the target publishes state data internally
type DataClass int

const (
	DataClassConfig DataClass = 0
	DataClassState  DataClass = 1
)

// snapshot read filter
// the numeric values are part of the wire contract and must not change
type TypeFilter int

const (
	TypeFilterAll    TypeFilter = 0
	TypeFilterConfig TypeFilter = 1
	TypeFilterState  TypeFilter = 2
	// state values with no config counterpart
	TypeFilterOperational TypeFilter = 3
)

type nodeIndex int32

const nilNode nodeIndex = -1

// nodes are stored in an arena and addressed by index.
// an index below the snapshot base is immutable; edits append new
// versions and rewire the parent chain up to a new root, so unchanged
// subtrees are shared between snapshots.
type treeNode struct {
	// nil for directories
	value *Value
	// nil for leaves
	children map[string]nodeIndex
	modTime  int64
	class    DataClass
}

func (self *treeNode) isLeaf() bool {
	return self.children == nil
}

type TreeEntry struct {
	Path  Path
	Value *Value
	Ts    int64
	Class DataClass
}

// an immutable view of the tree. Safe for concurrent readers.
type TreeSnapshot struct {
	nodes []treeNode
	root  nodeIndex
}

func (self *TreeSnapshot) resolve(path Path) (nodeIndex, bool) {
	idx := self.root
	for _, element := range path {
		node := &self.nodes[idx]
		if node.isLeaf() {
			return nilNode, false
		}
		childIdx, ok := node.children[element]
		if !ok {
			return nilNode, false
		}
		idx = childIdx
	}
	return idx, true
}

func (self *TreeSnapshot) Exists(path Path) bool {
	_, ok := self.resolve(path)
	return ok
}

// all leaf entries at or under `path`, ordered by path.
// an unknown path yields an empty result
func (self *TreeSnapshot) Leaves(path Path) []TreeEntry {
	idx, ok := self.resolve(path)
	if !ok {
		return nil
	}
	var entries []TreeEntry
	self.collectLeaves(idx, path.Clone(), &entries)
	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries
}

func (self *TreeSnapshot) collectLeaves(idx nodeIndex, path Path, entries *[]TreeEntry) {
	node := &self.nodes[idx]
	if node.isLeaf() {
		*entries = append(*entries, TreeEntry{
			Path:  path,
			Value: node.value,
			Ts:    node.modTime,
			Class: node.class,
		})
		return
	}
	for _, name := range maps.Keys(node.children) {
		self.collectLeaves(node.children[name], path.Join(Path{name}), entries)
	}
}

// the openconfig convention mirrors state containers as config
// containers. A state leaf is operational when the mirrored config
// path does not exist
func (self *TreeSnapshot) hasConfigCounterpart(path Path) bool {
	for i := len(path) - 1; 0 <= i; i -= 1 {
		if path[i] == "state" {
			counterpart := path.Clone()
			counterpart[i] = "config"
			if idx, ok := self.resolve(counterpart); ok {
				return self.nodes[idx].class == DataClassConfig
			}
			return false
		}
	}
	return false
}

func (self *TreeSnapshot) MatchFilter(entry TreeEntry, filter TypeFilter) bool {
	switch filter {
	case TypeFilterConfig:
		return entry.Class == DataClassConfig
	case TypeFilterState:
		return entry.Class == DataClassState
	case TypeFilterOperational:
		return entry.Class == DataClassState && !self.hasConfigCounterpart(entry.Path)
	default:
		return true
	}
}

// a leaf-level change produced by a committed transaction
type ChangeEvent struct {
	Path Path
	// nil for deletes
	Value *Value
	Ts    int64
	Class DataClass
}

func (self *ChangeEvent) IsDelete() bool {
	return self.Value == nil
}

// the canonical hierarchical store. Writers serialize through a single
// commit point; readers always see a fully formed immutable snapshot
type ConfigTree struct {
	clock monotonicClock

	// serializes writers. held across validate+apply+commit
	commitLock sync.Mutex

	stateLock sync.Mutex
	snapshot  *TreeSnapshot
}

func NewConfigTree() *ConfigTree {
	root := treeNode{
		children: map[string]nodeIndex{},
	}
	return &ConfigTree{
		snapshot: &TreeSnapshot{
			nodes: []treeNode{root},
			root:  0,
		},
	}
}

func (self *ConfigTree) Snapshot() *TreeSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot
}

func (self *ConfigTree) NowNanos() int64 {
	return self.clock.NowNanos()
}

// caller must hold commitLock until commit or abandon
func (self *ConfigTree) beginEdit() *editView {
	snapshot := self.Snapshot()
	return &editView{
		snap: TreeSnapshot{
			nodes: snapshot.nodes,
			root:  snapshot.root,
		},
		base: nodeIndex(len(snapshot.nodes)),
	}
}

func (self *ConfigTree) commit(view *editView) {
	next := &TreeSnapshot{
		nodes: view.snap.nodes,
		root:  view.snap.root,
	}

	self.stateLock.Lock()
	self.snapshot = next
	self.stateLock.Unlock()

	glog.V(2).Infof("[tree]commit nodes=%d events=%d\n", len(next.nodes), len(view.events))
}

// a copy-on-write working view. Indices below `base` are shared with
// published snapshots and never mutated; edits append
type editView struct {
	snap   TreeSnapshot
	base   nodeIndex
	events []ChangeEvent
}

func (self *editView) appendNode(node treeNode) nodeIndex {
	self.snap.nodes = append(self.snap.nodes, node)
	return nodeIndex(len(self.snap.nodes) - 1)
}

// writes a leaf, creating intermediate directories. Writing a leaf
// where a directory exists (or vice versa) replaces the node kind
func (self *editView) setLeaf(path Path, value *Value, class DataClass, ts int64) error {
	if len(path) == 0 {
		return ErrInvalidPath("cannot write a value at the tree root")
	}
	newRoot := self.setRec(self.snap.root, path, value, class, ts)
	self.snap.root = newRoot
	self.events = append(self.events, ChangeEvent{
		Path:  path.Clone(),
		Value: value,
		Ts:    ts,
		Class: class,
	})
	return nil
}

func (self *editView) setRec(idx nodeIndex, path Path, value *Value, class DataClass, ts int64) nodeIndex {
	if len(path) == 0 {
		return self.appendNode(treeNode{
			value:   value,
			modTime: ts,
			class:   class,
		})
	}

	// the config/state partition lives on leaves; an existing directory
	// keeps the class it was created with
	dirClass := class
	children := map[string]nodeIndex{}
	if idx != nilNode {
		if node := &self.snap.nodes[idx]; !node.isLeaf() {
			maps.Copy(children, node.children)
			dirClass = node.class
		}
	}

	childIdx := nilNode
	if existing, ok := children[path[0]]; ok {
		childIdx = existing
	}
	children[path[0]] = self.setRec(childIdx, path[1:], value, class, ts)

	// the modification propagates to every directory on the path
	return self.appendNode(treeNode{
		children: children,
		modTime:  ts,
		class:    dirClass,
	})
}

// removes the subtree at `path`, keeping sub-values newer than
// `cutoff` and sub-values of the other data class. Directories left
// empty are removed
func (self *editView) deleteSubtree(path Path, cutoff int64, ts int64, class DataClass) {
	if len(path) == 0 {
		// delete of the root clears the tree
		rootNode := self.snap.nodes[self.snap.root]
		for _, name := range maps.Keys(rootNode.children) {
			self.deleteSubtree(Path{name}, cutoff, ts, class)
		}
		return
	}
	newRoot := self.deleteAt(self.snap.root, path, path, cutoff, ts, class)
	if newRoot == nilNode {
		newRoot = self.appendNode(treeNode{
			children: map[string]nodeIndex{},
			modTime:  ts,
		})
	}
	self.snap.root = newRoot
}

func (self *editView) deleteAt(idx nodeIndex, remaining Path, full Path, cutoff int64, ts int64, class DataClass) nodeIndex {
	node := self.snap.nodes[idx]
	if len(remaining) == 0 {
		return self.pruneRec(idx, full, cutoff, ts, class)
	}
	if node.isLeaf() {
		// nothing at the path
		return idx
	}
	childIdx, ok := node.children[remaining[0]]
	if !ok {
		return idx
	}

	newChildIdx := self.deleteAt(childIdx, remaining[1:], full, cutoff, ts, class)
	if newChildIdx == childIdx {
		return idx
	}

	children := map[string]nodeIndex{}
	maps.Copy(children, node.children)
	if newChildIdx == nilNode {
		delete(children, remaining[0])
	} else {
		children[remaining[0]] = newChildIdx
	}
	if len(children) == 0 {
		return nilNode
	}
	return self.appendNode(treeNode{
		children: children,
		modTime:  ts,
		class:    node.class,
	})
}

func (self *editView) pruneRec(idx nodeIndex, abs Path, cutoff int64, ts int64, class DataClass) nodeIndex {
	node := self.snap.nodes[idx]
	if node.isLeaf() {
		if node.class != class {
			// the other partition's data is out of scope for this writer
			return idx
		}
		if node.modTime <= cutoff {
			self.events = append(self.events, ChangeEvent{
				Path:  abs.Clone(),
				Value: nil,
				Ts:    ts,
				Class: node.class,
			})
			return nilNode
		}
		// written concurrently after the cutoff; survives
		return idx
	}

	children := map[string]nodeIndex{}
	changed := false
	for _, name := range maps.Keys(node.children) {
		childIdx := node.children[name]
		newChildIdx := self.pruneRec(childIdx, abs.Join(Path{name}), cutoff, ts, class)
		if newChildIdx == nilNode {
			changed = true
			continue
		}
		if newChildIdx != childIdx {
			changed = true
		}
		children[name] = newChildIdx
	}
	if len(children) == 0 {
		return nilNode
	}
	if !changed {
		return idx
	}
	return self.appendNode(treeNode{
		children: children,
		modTime:  node.modTime,
		class:    node.class,
	})
}
