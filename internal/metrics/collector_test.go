package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWithNilConfigUsesDefaults(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.True(t, c.config.Enabled)
	require.Equal(t, 9100, c.config.Port)
}

func TestNewDisabledSkipsRegistry(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, c.registry)
}

func TestRecordOpenAndPlacementAreNoopWhenDisabled(t *testing.T) {
	c, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	// must not panic despite uninitialized prometheus collectors
	c.RecordOpen("ok", time.Millisecond)
	c.RecordPlacement("default", "placed")
	c.RecordAccess("default", "ok")
	c.RecordQuotaDenial("bytes")
	c.SetDrainJobsActive(1)
	c.AddDrainFilesMoved(3)
	c.SetBalanceJobsActive(1)
	c.AddBalanceFilesMoved(2)
	c.RecordDeletionBatch(10)
	c.SetMasterRole("master-rw", []string{"master-rw", "slave-ro"})
	c.SetPeerUp("peer-a", true)
	c.RecordCapabilitySigned("access")
}

func TestRecordMethodsUpdateRegisteredMetrics(t *testing.T) {
	c, err := New(&Config{Enabled: true, Namespace: "mgm_test", Port: 0, Path: "/metrics"})
	require.NoError(t, err)

	c.RecordPlacement("default", "placed")
	c.RecordAccess("default", "ok")
	c.RecordOpen("ok", 5*time.Millisecond)
	c.RecordQuotaDenial("inodes")
	c.SetDrainJobsActive(2)
	c.AddDrainFilesMoved(4)
	c.RecordDeletionBatch(100)
	c.SetMasterRole("master-rw", []string{"master-rw", "master-ro", "slave-ro"})
	c.SetPeerUp("peer-a", true)
	c.RecordCapabilitySigned("drop")

	mfs, err := c.registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["mgm_test_placements_total"])
	require.True(t, names["mgm_test_opens_total"])
	require.True(t, names["mgm_test_master_role"])
}

func TestStartStopServesMetricsEndpoint(t *testing.T) {
	c, err := New(&Config{Enabled: true, Port: 19191, Path: "/metrics", Namespace: "mgm_test2"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
}
