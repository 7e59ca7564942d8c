package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU_Metrics_Counters(t *testing.T) {
	m := New(false)

	m.Operation("add", OutcomeSuccess)
	m.Operation("add", OutcomeSuccess)
	m.Operation("add", OutcomePending)
	m.Rejection("MissingRequiredField")
	m.ApprovalFiled("ADD_END_ENTITY")
	m.Transition("NEW", "GENERATED")
	m.NotificationFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("add", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("add", OutcomePending)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("MissingRequiredField")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalsFiledTotal.WithLabelValues("ADD_END_ENTITY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusTransitions.WithLabelValues("NEW", "GENERATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationErrors))
}

func TestU_Metrics_EndEntityGauge(t *testing.T) {
	m := New(false)
	m.SetEndEntityCounts(map[string]int{"NEW": 3, "REVOKED": 1})
	m.SetEndEntityCounts(map[string]int{"NEW": 2})

	assert.Equal(t, 1, testutil.CollectAndCount(m.EndEntities))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EndEntities.WithLabelValues("NEW")))
}

func TestU_Metrics_Exposition(t *testing.T) {
	m := New(false)
	m.Operation("revoke", OutcomeDenied)

	expected := `
# HELP qra_operations_total Lifecycle operations by operation and outcome
# TYPE qra_operations_total counter
qra_operations_total{operation="revoke",outcome="denied"} 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "qra_operations_total")
	require.NoError(t, err)
}

func TestU_Metrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Operation("add", OutcomeSuccess)
		m.Rejection("WeakPassword")
		m.ApprovalFiled("ADD_END_ENTITY")
		m.Transition("NEW", "REVOKED")
		m.NotificationFailed()
		m.SetEndEntityCounts(map[string]int{"NEW": 1})
	})
	assert.Nil(t, m.Registry())
}

func TestU_Metrics_RuntimeCollectors(t *testing.T) {
	m := New(true)
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			found = true
			break
		}
	}
	assert.True(t, found, "go collector metrics should be registered")
}
