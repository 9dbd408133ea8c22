package treeline

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	InitLog(0)
}

func leafText(t *testing.T, snapshot *TreeSnapshot, pathStr string) string {
	entries := snapshot.Leaves(RequirePath(pathStr))
	assert.Equal(t, len(entries), 1)
	return entries[0].Value.Text
}

func TestSetCreatesAndReads(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	request := &SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/system/hostname"), Value: NewTextValue(`"rtr1"`, "json")},
			{Path: RequirePath("/system/domain"), Value: NewTextValue(`"lab"`, "json")},
		},
	}
	result, events, err := mutator.Apply(request, DataClassConfig)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Results), 2)
	assert.Equal(t, result.Results[0].Err, nil)
	assert.Equal(t, len(events), 2)

	snapshot := tree.Snapshot()
	assert.Equal(t, leafText(t, snapshot, "/system/hostname"), `"rtr1"`)
	assert.Equal(t, leafText(t, snapshot, "/system/domain"), `"lab"`)

	// unknown but syntactically valid paths yield empty results
	assert.Equal(t, len(snapshot.Leaves(RequirePath("/system/missing"))), 0)
}

func TestSetAtomicityOnInvalidPath(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	before := tree.Snapshot()

	result, events, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`2`, "json")},
			// missing value fails validation
			{Path: RequirePath("/a/c"), Value: nil},
		},
	}, DataClassConfig)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(events), 0)
	// both paths are reported, the failing one with its error
	assert.Equal(t, len(result.Results), 2)
	assert.Equal(t, result.Results[0].Err, nil)
	assert.Equal(t, result.Results[1].Err.Code, CodeMalformedValue)

	// nothing was applied
	after := tree.Snapshot()
	assert.Equal(t, after == before, true)
	assert.Equal(t, leafText(t, after, "/a/b"), `1`)
}

func TestSetOrderDeletesReplacesUpdates(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/x"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	// the delete runs first, so the update survives
	_, _, err = mutator.Apply(&SetRequest{
		Deletes: []DeleteOp{{Path: RequirePath("/a")}},
		Updates: []UpdateOp{
			{Path: RequirePath("/a/x"), Value: NewTextValue(`2`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	assert.Equal(t, leafText(t, tree.Snapshot(), "/a/x"), `2`)
}

func TestReplaceRemovesUnlistedChildren(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b/c"), Value: NewTextValue(`1`, "json")},
			{Path: RequirePath("/a/b/d"), Value: NewTextValue(`2`, "json")},
			{Path: RequirePath("/a/b/e"), Value: NewTextValue(`3`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	_, events, err := mutator.Apply(&SetRequest{
		Replaces: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`{"c":4,"f":5}`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	entries := tree.Snapshot().Leaves(RequirePath("/a/b"))
	assert.Equal(t, len(entries), 2)
	assert.Equal(t, entries[0].Path.String(), "/a/b/c")
	assert.Equal(t, entries[0].Value.Text, `4`)
	assert.Equal(t, entries[1].Path.String(), "/a/b/f")
	assert.Equal(t, entries[1].Value.Text, `5`)

	// deletes for d and e, updates for c and f. the re-set leaf c is
	// not double-reported as a delete
	deletes := 0
	updates := 0
	for _, event := range events {
		if event.IsDelete() {
			deletes += 1
		} else {
			updates += 1
		}
	}
	assert.Equal(t, deletes, 2)
	assert.Equal(t, updates, 2)
}

func TestUpdateAugmentsChildren(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b/c"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`{"d":2}`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	entries := tree.Snapshot().Leaves(RequirePath("/a/b"))
	assert.Equal(t, len(entries), 2)
	assert.Equal(t, entries[0].Path.String(), "/a/b/c")
	assert.Equal(t, entries[1].Path.String(), "/a/b/d")
}

func TestDeleteCutoffGuard(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	result1, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/p/q"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/p/r"), Value: NewTextValue(`2`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	// the cutoff predates the write of /p/r, which survives
	_, _, err = mutator.Apply(&SetRequest{
		Deletes: []DeleteOp{{Path: RequirePath("/p"), Cutoff: result1.Ts}},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	snapshot := tree.Snapshot()
	assert.Equal(t, len(snapshot.Leaves(RequirePath("/p/q"))), 0)
	assert.Equal(t, leafText(t, snapshot, "/p/r"), `2`)
}

func TestLeafDirectoryKindReplacement(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	// writing a leaf under the leaf turns it into a directory
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`2`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	entries := tree.Snapshot().Leaves(RequirePath("/a"))
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].Path.String(), "/a/b")
}

func TestSnapshotIsolation(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`1`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	before := tree.Snapshot()

	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/a/b"), Value: NewTextValue(`2`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	// the old snapshot still reads the old value
	assert.Equal(t, leafText(t, before, "/a/b"), `1`)
	assert.Equal(t, leafText(t, tree.Snapshot(), "/a/b"), `2`)
}

func TestReadOnlyStateData(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)

	result, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`9000`, "json")},
		},
	}, DataClassConfig)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, result.Results[0].Err.Code, CodeReadOnlyPath)
	assert.Equal(t, leafText(t, tree.Snapshot(), "/if/eth0/state/mtu"), `1500`)
}

func TestDeletePreservesOtherClassData(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)
	// a config write after the state publish re-touches the shared
	// ancestor without transferring ownership of it
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/description"), Value: NewTextValue(`"up"`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	_, events, err := mutator.Apply(&SetRequest{
		Deletes: []DeleteOp{{Path: RequirePath("/if/eth0")}},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	// the config leaves are gone; the state leaf survived
	snapshot := tree.Snapshot()
	assert.Equal(t, len(snapshot.Leaves(RequirePath("/if/eth0/config"))), 0)
	assert.Equal(t, leafText(t, snapshot, "/if/eth0/state/mtu"), `1500`)
	for _, event := range events {
		assert.Equal(t, event.Class, DataClassConfig)
	}
}

func TestStateDeletePreservesConfigData(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)

	_, _, err = mutator.Apply(&SetRequest{
		Deletes: []DeleteOp{{Path: RequirePath("/if/eth0")}},
	}, DataClassState)
	assert.Equal(t, err, nil)

	snapshot := tree.Snapshot()
	assert.Equal(t, leafText(t, snapshot, "/if/eth0/config/mtu"), `1500`)
	assert.Equal(t, len(snapshot.Leaves(RequirePath("/if/eth0/state"))), 0)
}

func TestConfigWriteUnderStateTouchedAncestor(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)

	// the state publish owns its leaf, not the whole /if/eth0 subtree
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/mtu"), Value: NewTextValue(`9000`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	assert.Equal(t, leafText(t, tree.Snapshot(), "/if/eth0/config/mtu"), `9000`)
}

func TestReplacePreservesOtherClassData(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)

	// the replace swaps out the config leaves only
	_, _, err = mutator.Apply(&SetRequest{
		Replaces: []UpdateOp{
			{Path: RequirePath("/if/eth0"), Value: NewTextValue(`{"config":{"mtu":9000}}`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)

	snapshot := tree.Snapshot()
	assert.Equal(t, leafText(t, snapshot, "/if/eth0/config/mtu"), `9000`)
	assert.Equal(t, leafText(t, snapshot, "/if/eth0/state/mtu"), `1500`)
}

func TestTypeFilters(t *testing.T) {
	tree := NewConfigTree()
	mutator := NewMutatorWithDefaults(tree)

	_, _, err := mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/config/mtu"), Value: NewTextValue(`1500`, "json")},
		},
	}, DataClassConfig)
	assert.Equal(t, err, nil)
	_, _, err = mutator.Apply(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`1500`, "json")},
			{Path: RequirePath("/if/eth0/state/counters/in"), Value: NewTextValue(`10`, "json")},
		},
	}, DataClassState)
	assert.Equal(t, err, nil)

	snapshot := tree.Snapshot()
	all := snapshot.Leaves(RequirePath("/if"))
	assert.Equal(t, len(all), 3)

	config := 0
	state := 0
	operational := 0
	for _, entry := range all {
		if snapshot.MatchFilter(entry, TypeFilterConfig) {
			config += 1
		}
		if snapshot.MatchFilter(entry, TypeFilterState) {
			state += 1
		}
		if snapshot.MatchFilter(entry, TypeFilterOperational) {
			operational += 1
		}
	}
	assert.Equal(t, config, 1)
	assert.Equal(t, state, 2)
	// state/mtu has a config counterpart; counters/in does not
	assert.Equal(t, operational, 1)
}

func TestTimestampsMonotonic(t *testing.T) {
	tree := NewConfigTree()
	last := int64(0)
	for i := 0; i < 1000; i += 1 {
		nowNanos := tree.NowNanos()
		assert.Equal(t, last < nowNanos, true)
		last = nowNanos
	}
}
