package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/clock"
)

// newTestRegistry builds a TTLRegistry with its sweep loop parked on a long
// interval so tests can drive sweep() directly without a ticker racing them.
func newTestRegistry(c clock.Clock) *TTLRegistry {
	r := New(30*time.Second, time.Hour, c)
	return r
}

func TestRegisterNewNode(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	n, aerr := r.Register(&Node{ID: "node-1", EndpointURL: "http://node-1:9000", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)
	assert.Equal(t, StatusHealthy, n.Status)
	assert.Equal(t, c.Now(), n.RegisteredAt)
}

func TestRegisterExistingNodePreservesDrainingStatus(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)
	_, aerr = r.Drain("node-1")
	require.Nil(t, aerr)

	// A re-registration (e.g. a restarted agent re-announcing) should not
	// silently un-drain the node.
	n, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)
	assert.Equal(t, StatusDraining, n.Status)
}

func TestRegisterExistingNodeKeepsEndpointAndCapacityWhenZero(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", EndpointURL: "http://node-1:9000", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)

	n, aerr := r.Register(&Node{ID: "node-1"})
	require.Nil(t, aerr)
	assert.Equal(t, "http://node-1:9000", n.EndpointURL)
	assert.Equal(t, 10, n.Capacity.MaxContainers)
}

func TestHeartbeatUnknownNodeFails(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Heartbeat("ghost", Metrics{})
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.KindNodeNotFound, aerr.Kind)
}

func TestHeartbeatRevivesNodePastTTLBeforeSweep(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)

	c.Advance(time.Minute) // past the 30s ttl, but sweep hasn't run

	n, aerr := r.Heartbeat("node-1", Metrics{ContainerCount: 2})
	require.Nil(t, aerr)
	assert.Equal(t, StatusHealthy, n.Status)
	assert.Equal(t, 2, n.Metrics.ContainerCount)
}

func TestHeartbeatDoesNotClearDraining(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)
	_, aerr = r.Drain("node-1")
	require.Nil(t, aerr)

	n, aerr := r.Heartbeat("node-1", Metrics{})
	require.Nil(t, aerr)
	assert.Equal(t, StatusDraining, n.Status)
}

func TestDeregisterRemovesNode(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 10}})
	require.Nil(t, aerr)
	require.Nil(t, r.Deregister("node-1"))

	_, aerr = r.Find("node-1")
	require.NotNil(t, aerr)
	assert.Equal(t, apperrors.KindNodeNotFound, aerr.Kind)
}

func TestDeregisterUnknownNodeFails(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	aerr := r.Deregister("ghost")
	require.NotNil(t, aerr)
}

func TestListIsSortedByID(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	for _, id := range []string{"c", "a", "b"} {
		_, aerr := r.Register(&Node{ID: id, Capacity: Capacity{MaxContainers: 1}})
		require.Nil(t, aerr)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestSweepRemovesExpiredNodeOutright(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 1}})
	require.Nil(t, aerr)

	c.Advance(time.Minute)
	r.sweep()

	assert.Empty(t, r.List())
}

func TestListReturnsCopiesNotAliases(t *testing.T) {
	c := clock.NewManual(time.Now())
	r := newTestRegistry(c)
	defer r.Stop()

	_, aerr := r.Register(&Node{ID: "node-1", Capacity: Capacity{MaxContainers: 1}})
	require.Nil(t, aerr)

	list := r.List()
	list[0].Status = StatusUnhealthy

	reread, aerr := r.Find("node-1")
	require.Nil(t, aerr)
	assert.Equal(t, StatusHealthy, reread.Status)
}
