package treeline

import (
	"encoding/json"
	"math"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// operation kinds in response records
// the numeric values are part of the wire contract and must not change
type OpKind int

const (
	OpInvalid OpKind = 0
	OpDelete  OpKind = 1
	OpReplace OpKind = 2
	OpUpdate  OpKind = 3
)

func (self OpKind) String() string {
	switch self {
	case OpDelete:
		return "delete"
	case OpReplace:
		return "replace"
	case OpUpdate:
		return "update"
	default:
		return "invalid"
	}
}

type DeleteOp struct {
	Path Path
	// only sub-values with timestamp <= Cutoff are removed.
	// 0 means everything present at transaction time
	Cutoff int64
}

type UpdateOp struct {
	Path  Path
	Value *Value
}

type SetRequest struct {
	Prefix   Path
	Deletes  []DeleteOp
	Replaces []UpdateOp
	Updates  []UpdateOp
}

type OpResult struct {
	Ts   int64
	Path Path
	Op   OpKind
	Err  *Error
}

type SetResult struct {
	Prefix  Path
	Ts      int64
	Results []OpResult
}

func DefaultMutatorSettings() *MutatorSettings {
	return &MutatorSettings{
		SystemDefaults: map[string]*Value{},
	}
}

type MutatorSettings struct {
	// leaf defaults applied when a directory replace leaves them
	// unspecified. Keyed by absolute path string
	SystemDefaults map[string]*Value
}

// applies atomic delete/replace/update transactions to the tree.
// every path is validated against a copy-on-write view before anything
// commits; a single failure aborts the whole transaction
type Mutator struct {
	tree     *ConfigTree
	settings *MutatorSettings
}

func NewMutatorWithDefaults(tree *ConfigTree) *Mutator {
	return NewMutator(tree, DefaultMutatorSettings())
}

func NewMutator(tree *ConfigTree, settings *MutatorSettings) *Mutator {
	return &Mutator{
		tree:     tree,
		settings: settings,
	}
}

// a validated operation ready to execute against the view
type plannedOp struct {
	kind   OpKind
	path   Path
	cutoff int64
	// leaf writes decomposed from the op value
	specs []leafSpec
	// replace removes unlisted children
	replace bool
}

type leafSpec struct {
	path  Path
	value *Value
}

func (self *Mutator) Apply(request *SetRequest, class DataClass) (*SetResult, []ChangeEvent, error) {
	self.tree.commitLock.Lock()
	defer self.tree.commitLock.Unlock()

	ts := self.tree.NowNanos()
	view := self.tree.beginEdit()

	result := &SetResult{
		Prefix: request.Prefix,
		Ts:     ts,
	}

	var firstErr *Error
	planned := []plannedOp{}

	record := func(path Path, kind OpKind, err *Error) {
		result.Results = append(result.Results, OpResult{
			Ts:   ts,
			Path: path,
			Op:   kind,
			Err:  err,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// validation pass. ordering is fixed: deletes, then replaces, then updates
	for _, del := range request.Deletes {
		abs := request.Prefix.Join(del.Path)
		if err := self.validateDelete(view, abs, class); err != nil {
			record(abs, OpDelete, err)
			continue
		}
		cutoff := del.Cutoff
		if cutoff == 0 {
			cutoff = ts
		}
		planned = append(planned, plannedOp{
			kind:   OpDelete,
			path:   abs,
			cutoff: cutoff,
		})
		record(abs, OpDelete, nil)
	}
	for _, rep := range request.Replaces {
		abs := request.Prefix.Join(rep.Path)
		specs, err := self.validateWrite(view, abs, rep.Value, class)
		if err != nil {
			record(abs, OpReplace, err)
			continue
		}
		planned = append(planned, plannedOp{
			kind:    OpReplace,
			path:    abs,
			specs:   specs,
			replace: true,
		})
		record(abs, OpReplace, nil)
	}
	for _, upd := range request.Updates {
		abs := request.Prefix.Join(upd.Path)
		specs, err := self.validateWrite(view, abs, upd.Value, class)
		if err != nil {
			record(abs, OpUpdate, err)
			continue
		}
		planned = append(planned, plannedOp{
			kind:  OpUpdate,
			path:  abs,
			specs: specs,
		})
		record(abs, OpUpdate, nil)
	}

	if firstErr != nil {
		// abort. nothing was applied
		glog.V(1).Infof("[set]abort prefix=%s err=%s\n", request.Prefix, firstErr)
		return result, nil, firstErr
	}

	for _, op := range planned {
		self.execute(view, &op, class, ts)
	}

	self.tree.commit(view)
	return result, view.events, nil
}

// a delete addressed directly at an other-class leaf is refused;
// a directory delete is fine, the prune skips other-class leaves
func (self *Mutator) validateDelete(view *editView, abs Path, class DataClass) *Error {
	if err := abs.Validate(); err != nil {
		return err.(*Error)
	}
	if idx, ok := view.snap.resolve(abs); ok {
		node := &view.snap.nodes[idx]
		if node.isLeaf() && node.class != class {
			return ErrReadOnlyPath("%s holds %s data", abs, dataClassName(node.class))
		}
	}
	return nil
}

func (self *Mutator) validateWrite(view *editView, abs Path, value *Value, class DataClass) ([]leafSpec, *Error) {
	if err := abs.Validate(); err != nil {
		return nil, err.(*Error)
	}
	if value == nil {
		return nil, ErrMalformedValue("missing value for %s", abs)
	}
	if err := value.Validate(); err != nil {
		return nil, err.(*Error)
	}

	specs, err := decomposeValue(abs, value)
	if err != nil {
		return nil, err
	}
	if len(specs) == 1 && len(specs[0].path) == 0 {
		return nil, ErrInvalidPath("cannot write a value at the tree root")
	}
	// eligibility is checked against the leaves each write would touch,
	// not the directory chain above them
	for _, spec := range specs {
		for _, entry := range view.snap.Leaves(spec.path) {
			if entry.Class != class {
				return nil, ErrReadOnlyPath("%s holds %s data", entry.Path, dataClassName(entry.Class))
			}
		}
	}
	return specs, nil
}

func (self *Mutator) execute(view *editView, op *plannedOp, class DataClass, ts int64) {
	switch op.kind {
	case OpDelete:
		view.deleteSubtree(op.path, op.cutoff, ts, class)
	case OpReplace, OpUpdate:
		if op.replace {
			// delete-then-set: same-class children absent from the new
			// value are removed, without re-emitting deletes for re-set
			// leaves
			next := map[string]bool{}
			for _, spec := range op.specs {
				next[spec.path.String()] = true
			}
			for _, entry := range view.snap.Leaves(op.path) {
				if entry.Class != class {
					continue
				}
				if !next[entry.Path.String()] {
					view.deleteSubtree(entry.Path, math.MaxInt64, ts, class)
				}
			}
		}
		for _, spec := range op.specs {
			view.setLeaf(spec.path, spec.value, class, ts)
		}
		if op.replace {
			self.applyDefaults(view, op.path, class, ts)
		}
	}
}

// unspecified leaf fields under a replaced directory take system defaults
func (self *Mutator) applyDefaults(view *editView, dir Path, class DataClass, ts int64) {
	if len(self.settings.SystemDefaults) == 0 {
		return
	}
	paths := maps.Keys(self.settings.SystemDefaults)
	sort.Strings(paths)
	for _, pathStr := range paths {
		defPath := RequirePath(pathStr)
		if !defPath.HasPrefix(dir) || defPath.Equal(dir) {
			continue
		}
		if !view.snap.Exists(defPath) {
			view.setLeaf(defPath, self.settings.SystemDefaults[pathStr], class, ts)
		}
	}
}

// a json object value addressed at a directory decomposes into leaf
// writes; anything else is a single leaf write
func decomposeValue(abs Path, value *Value) ([]leafSpec, *Error) {
	if value.Kind == ValueKindText && value.Encoding == "json" {
		var decoded any
		if err := json.Unmarshal([]byte(value.Text), &decoded); err != nil {
			return nil, ErrMalformedValue("invalid json for %s: %s", abs, err)
		}
		if obj, ok := decoded.(map[string]any); ok {
			specs := []leafSpec{}
			if err := decomposeObject(abs, obj, &specs); err != nil {
				return nil, err
			}
			return specs, nil
		}
	}
	return []leafSpec{{path: abs, value: value}}, nil
}

func decomposeObject(base Path, obj map[string]any, specs *[]leafSpec) *Error {
	names := maps.Keys(obj)
	sort.Strings(names)
	for _, name := range names {
		if name == "" {
			return ErrInvalidPath("empty element under %s", base)
		}
		childPath := base.Join(Path{name})
		if childObj, ok := obj[name].(map[string]any); ok {
			if err := decomposeObject(childPath, childObj, specs); err != nil {
				return err
			}
			continue
		}
		scalarBytes, err := json.Marshal(obj[name])
		if err != nil {
			return ErrMalformedValue("invalid scalar at %s: %s", childPath, err)
		}
		*specs = append(*specs, leafSpec{
			path:  childPath,
			value: NewTextValue(string(scalarBytes), "json"),
		})
	}
	return nil
}

func dataClassName(class DataClass) string {
	if class == DataClassState {
		return "state"
	}
	return "config"
}
