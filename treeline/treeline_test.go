package treeline

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdCodec(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)
}

func TestParsePath(t *testing.T) {
	path, err := ParsePath("/interfaces/eth0/state")
	assert.Equal(t, err, nil)
	assert.Equal(t, path, Path{"interfaces", "eth0", "state"})
	assert.Equal(t, path.String(), "/interfaces/eth0/state")

	root, err := ParsePath("/")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(root), 0)

	_, err = ParsePath("/a//b")
	assert.NotEqual(t, err, nil)
}

func TestGetSnapshotRead(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()
	setLeaf(t, target, "/system/hostname", `"rtr1"`)
	setLeaf(t, target, "/system/domain", `"lab"`)

	response := target.Get(&GetQuery{
		Paths: []Path{RequirePath("/system")},
	})
	assert.Equal(t, len(response.Errors), 0)
	assert.Equal(t, len(response.Notifications), 1)
	assert.Equal(t, len(response.Notifications[0].Updates), 2)
	assert.Equal(t, response.Notifications[0].Updates[0].Path.String(), "/system/domain")
	assert.Equal(t, response.Notifications[0].Updates[1].Path.String(), "/system/hostname")
}

func TestGetPerPathErrors(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()
	setLeaf(t, target, "/system/hostname", `"rtr1"`)

	// the invalid path errors individually without aborting the rest
	response := target.Get(&GetQuery{
		Paths: []Path{
			{"system", ""},
			RequirePath("/system"),
		},
	})
	assert.Equal(t, len(response.Errors), 1)
	assert.Equal(t, response.Errors[0].Code, CodeInvalidPath)
	assert.Equal(t, len(response.Notifications), 1)
	assert.Equal(t, len(response.Notifications[0].Updates), 1)
}

func TestGetUnknownPathYieldsEmptyNotification(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()

	response := target.Get(&GetQuery{
		Paths: []Path{RequirePath("/nowhere")},
	})
	assert.Equal(t, len(response.Errors), 0)
	assert.Equal(t, len(response.Notifications), 1)
	assert.Equal(t, len(response.Notifications[0].Updates), 0)
}

func TestGetTypeFilter(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()
	setLeaf(t, target, "/if/eth0/config/mtu", `1500`)
	assert.Equal(t, target.PublishState(RequirePath("/if/eth0/state/mtu"), NewTextValue(`1500`, "json")), nil)

	response := target.Get(&GetQuery{
		Paths:  []Path{RequirePath("/if")},
		Filter: TypeFilterConfig,
	})
	assert.Equal(t, len(response.Notifications[0].Updates), 1)
	assert.Equal(t, response.Notifications[0].Updates[0].Path.String(), "/if/eth0/config/mtu")

	response = target.Get(&GetQuery{
		Paths:  []Path{RequirePath("/if")},
		Filter: TypeFilterState,
	})
	assert.Equal(t, len(response.Notifications[0].Updates), 1)
	assert.Equal(t, response.Notifications[0].Updates[0].Path.String(), "/if/eth0/state/mtu")
}

func TestGetWithAliasPrefix(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()
	setLeaf(t, target, "/sensors/temp", `21`)
	assert.Equal(t, target.DefineAlias("@here", RequirePath("/sensors")), nil)

	response := target.Get(&GetQuery{
		ClientId: NewId(),
		Prefix:   Path{"@here"},
		Paths:    []Path{{"temp"}},
	})
	assert.Equal(t, len(response.Notifications), 1)
	assert.Equal(t, response.Notifications[0].Prefix.String(), "/sensors")
	assert.Equal(t, response.Notifications[0].Updates[0].Path.String(), "/temp")
}

func TestStateDataReadOnlyThroughSet(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := NewTargetWithDefaults(cancelCtx)
	defer target.Close()
	assert.Equal(t, target.PublishState(RequirePath("/if/eth0/state/mtu"), NewTextValue(`1500`, "json")), nil)

	_, err := target.Set(&SetRequest{
		Updates: []UpdateOp{
			{Path: RequirePath("/if/eth0/state/mtu"), Value: NewTextValue(`9000`, "json")},
		},
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.(*Error).Code, CodeReadOnlyPath)
}
