package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pillmate/devicecfg/internal/preflight"
	"github.com/pillmate/devicecfg/internal/version"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioned(t *testing.T) {
	m := New()

	m.SetProvisioned(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.provisioned))

	m.SetProvisioned(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.provisioned))
}

func TestStepStatusKeepsOneStatusPerStep(t *testing.T) {
	m := New()

	m.SetStepStatus("Provisioned", "active")
	m.SetStepStatus("Provisioned", "failed")
	m.SetStepStatus("ValidateFields", "succeeded")

	assert.Equal(t, 2, testutil.CollectAndCount(m.stepStatus))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepStatus.WithLabelValues("Provisioned", "failed")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.SetProvisioned(false)
	m.ExportBuildInfo(version.Current())

	path := filepath.Join(t.TempDir(), "pillmate.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "pillmate_device_provisioned 0")
	assert.Contains(t, string(b), "pillmate_build_info{")
}

func TestPublisher(t *testing.T) {
	m := New()
	p := NewPublisher(m, true)

	p.Publish(context.Background(), &preflight.TaskStatus{
		Steps: []*preflight.StepStatus{
			{Step: "Provisioned", Status: "succeeded"},
			{Step: "ValidateFields", Status: "failed"},
		},
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.provisioned))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepStatus.WithLabelValues("ValidateFields", "failed")))
}
