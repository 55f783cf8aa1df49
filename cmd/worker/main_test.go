package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/app"
	_ "github.com/odyssey-erp/corebank/internal/testing/guard"
	"github.com/odyssey-erp/corebank/jobs"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	assert.NotPanics(t, main)
}

func TestScheduleRegistersEveryPeriodicTask(t *testing.T) {
	cfg, err := app.LoadConfig()
	require.NoError(t, err)

	entries, err := schedule(cfg)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	types := make(map[string]string, len(entries))
	for _, entry := range entries {
		require.NotNil(t, entry.Task)
		types[entry.Task.Type()] = entry.Spec
	}
	assert.Equal(t, cfg.IntegrityCron, types[jobs.TaskLedgerIntegrity])
	assert.Equal(t, cfg.ReconcileCron, types[jobs.TaskCustodyReconcile])
	assert.Equal(t, cfg.SweepCron, types[jobs.TaskSerialSweep])
	assert.Equal(t, cfg.CleanupCron, types[jobs.TaskIdempotencyCleanup])
	assert.JSONEq(t, `{"branch":"*"}`, string(findTask(entries, jobs.TaskCustodyReconcile)))
}

func findTask(entries []jobs.CronRegistration, typ string) []byte {
	for _, entry := range entries {
		if entry.Task.Type() == typ {
			return entry.Task.Payload()
		}
	}
	return nil
}
