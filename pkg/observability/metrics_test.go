package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/aretw0/lattice/pkg/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_FromManagerActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	doc := memory.NewDocument()
	newManager := func() *replica.Manager[*record.Record] {
		m, err := replica.New(doc, replica.Config[*record.Record]{
			Name: "widgets",
			Create: func(context.Context, string, domain.Map, domain.Value) (*record.Record, error) {
				return record.New(), nil
			},
			SendInterval: time.Hour,
		}, replica.WithHooks(metrics.Hooks()))
		require.NoError(t, err)
		return m
	}
	m1, m2 := newManager(), newManager()
	ctx := context.Background()

	w := record.New()
	require.NoError(t, m1.Add(ctx, "w1", w, nil))
	require.NoError(t, w.Set("color", "red"))
	require.NoError(t, m1.Flush(ctx))

	_, ok := m2.GetInstance(ctx, "missing", 10*time.Millisecond)
	assert.False(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Instances("widgets")), "local and mirror")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FlushTransactions("widgets")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EchoesSuppressed("widgets")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GetOutcomes("widgets", "timeout")))

	require.NoError(t, m1.Remove(ctx, "w1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Instances("widgets")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	require.NoError(t, m1.Close(ctx))
	require.NoError(t, m2.Close(ctx))
}

func TestChain_RunsEveryHook(t *testing.T) {
	var calls []string
	a := domain.LifecycleHooks{OnFlush: func(context.Context, *domain.FlushEvent) { calls = append(calls, "a") }}
	b := domain.LifecycleHooks{
		OnFlush: func(context.Context, *domain.FlushEvent) { calls = append(calls, "b") },
		OnError: func(context.Context, *domain.ErrorEvent) { calls = append(calls, "b-err") },
	}

	hooks := observability.Chain(a, b)
	hooks.OnFlush(context.Background(), &domain.FlushEvent{})
	hooks.OnError(context.Background(), &domain.ErrorEvent{})
	hooks.OnInstanceAdded(context.Background(), &domain.InstanceEvent{})

	assert.Equal(t, []string{"a", "b", "b-err"}, calls)
}
