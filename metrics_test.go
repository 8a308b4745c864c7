package scoped_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/centraunit/scoped"
	"github.com/centraunit/scoped/mock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackInstancesAndInvocations(t *testing.T) {
	m := scoped.NewMetrics("")
	c := scoped.New(scoped.WithContainerToken(uuid.NewString()), scoped.WithMetrics(m))
	id, err := scoped.Register[*mock.Tracked](c, scoped.ScopeRequest, mock.NewTracked(&mock.Counter{}))
	require.NoError(t, err)

	u, err := c.BeginRequest(context.Background(), "")
	require.NoError(t, err)
	_, err = c.Invoke(u, id, mock.EchoMethod, "ping")
	require.NoError(t, err)
	_, err = scoped.Resolve[*mock.Tracked](c, u)
	require.NoError(t, err)

	expected := `
# HELP scoped_instance_created_total Total number of contextual instances created
# TYPE scoped_instance_created_total counter
scoped_instance_created_total{scope="request"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_instance_created_total"))

	expected = `
# HELP scoped_context_created_total Total number of scope contexts created
# TYPE scoped_context_created_total counter
scoped_context_created_total{scope="application"} 1
scoped_context_created_total{scope="request"} 1
scoped_context_created_total{scope="singleton"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_context_created_total"))

	expected = `
# HELP scoped_invocation_total Total number of invocation chains driven to completion
# TYPE scoped_invocation_total counter
scoped_invocation_total{phase="around-invoke",result="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_invocation_total"))

	require.NoError(t, c.EndRequest(u))
	expected = `
# HELP scoped_instance_live Contextual instances currently held by scope contexts
# TYPE scoped_instance_live gauge
scoped_instance_live{scope="request"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_instance_live"))
}

func TestNilMetricsAreIgnored(t *testing.T) {
	var m *scoped.Metrics
	assert.Nil(t, m.Registry())

	sc := scoped.NewScopeContext(scoped.ScopeRequest, scoped.WithScopeMetrics(m))
	sc.SetActive(true)
	_, err := sc.GetOrCreate(scoped.IdentityOf[*mock.MockDB](), func() (any, *scoped.CreationalState, error) {
		return &mock.MockDB{}, nil, nil
	})
	assert.NoError(t, err)
	assert.NoError(t, sc.Destroy())
}

func TestRacingInitCountsOneContext(t *testing.T) {
	m := scoped.NewMetrics("")
	r := scoped.NewRegistry(scoped.WithRegistryToken(uuid.NewString()), scoped.WithRegistryMetrics(m))

	const units = 32
	contexts := make([]*scoped.ScopeContext, units)
	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := scoped.NewUnitContext(context.Background())
			sc, err := r.InitSession(u, "shared")
			assert.NoError(t, err)
			r.InitApplication(u)
			contexts[i] = sc
		}(i)
	}
	wg.Wait()

	for _, sc := range contexts {
		assert.Same(t, contexts[0], sc)
	}

	expected := `
# HELP scoped_context_created_total Total number of scope contexts created
# TYPE scoped_context_created_total counter
scoped_context_created_total{scope="application"} 1
scoped_context_created_total{scope="session"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_context_created_total"))

	require.NoError(t, r.DestroyApplication(nil))
	expected = `
# HELP scoped_context_destroyed_total Total number of scope contexts destroyed
# TYPE scoped_context_destroyed_total counter
scoped_context_destroyed_total{scope="application"} 1
scoped_context_destroyed_total{scope="session"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scoped_context_destroyed_total"))
}
