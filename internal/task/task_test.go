package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/config"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/partitiontable"
	"firestige.xyz/streamrt/internal/recovery"
)

func noLookup(string) (*partitiontable.Table, bool) { return nil, false }

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.JobConfig{}, noLookup, nil)
	require.Error(t, err)
}

func TestNewRejectsUnknownOperator(t *testing.T) {
	_, err := New(config.JobConfig{ID: "t1", Operator: config.OperatorConfig{Name: "does-not-exist"}}, noLookup, nil)
	require.Error(t, err)
}

func TestStartWithNoPeersReachesRunningImmediately(t *testing.T) {
	tk, err := New(config.JobConfig{ID: "t1", Operator: config.OperatorConfig{Name: "echo"}}, noLookup, nil)
	require.NoError(t, err)

	require.NoError(t, tk.Start(context.Background()))
	defer tk.Stop()

	assert.Equal(t, recovery.Running, tk.recovery.State())
}

func TestOutputSubpartitionQueuesFinishedConsumer(t *testing.T) {
	tk, err := New(config.JobConfig{ID: "producer", Operator: config.OperatorConfig{Name: "echo"}}, noLookup, nil)
	require.NoError(t, err)
	require.NoError(t, tk.Start(context.Background()))
	defer tk.Stop()

	c := buffer.NewConsumer()
	c.Append([]byte("hi"))
	c.Finish()
	tk.output.Add(epoch.ID(0), c, true)

	assert.Eventually(t, func() bool {
		return tk.output.Backlog() == 1
	}, time.Second, time.Millisecond)
}

func TestStatusReflectsLifecycle(t *testing.T) {
	tk, err := New(config.JobConfig{ID: "t1", Operator: config.OperatorConfig{Name: "echo"}}, noLookup, nil)
	require.NoError(t, err)

	assert.Equal(t, stateCreated, tk.Status().State)
	require.NoError(t, tk.Start(context.Background()))
	assert.Equal(t, stateRunning, tk.Status().State)
	tk.Stop()
	assert.Equal(t, stateStopped, tk.Status().State)
}

