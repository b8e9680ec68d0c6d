package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

func TestNotifyLogsChange(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	n := New(zap.New(core))

	target := monitor.Target{ID: "t1", URL: "https://shop.example.com/w", Change: monitor.ValueCheck{Expected: "42"}}
	snap := monitor.Snapshot{ID: "s2", TargetID: "t1", Value: "110", IsChangeDetected: true}
	require.NoError(t, n.Notify(context.Background(), target, snap))

	entries := logs.FilterMessage("target change").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "t1", fields["target_id"])
	require.Equal(t, "110", fields["value"])
	require.Equal(t, "42", fields["expected_value"])
	require.Equal(t, true, fields["change_detected"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	require.NoError(t, New(nil).Notify(context.Background(), monitor.Target{}, monitor.Snapshot{}))
}
