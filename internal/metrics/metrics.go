// Package metrics collects the provisioning state of a device for the
// node_exporter textfile collector.
package metrics

import (
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pillmate/devicecfg/internal/version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = model.AppName

type Metrics struct {
	registry    *prometheus.Registry
	provisioned prometheus.Gauge
	stepStatus  *prometheus.GaugeVec
	buildInfo   *prometheus.GaugeVec
}

// New returns metrics registered on their own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisioned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_provisioned",
			Help:      "1 when the device record carries real credentials, 0 otherwise.",
		}),
		stepStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preflight_step_status",
			Help:      "Current status of each preflight step, 1 for the active status.",
		}, []string{"step", "status"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information, always 1.",
		}, []string{"version", "commit", "branch", "go_version"}),
	}

	m.registry.MustRegister(m.provisioned, m.stepStatus, m.buildInfo)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetProvisioned records the result of the provisioning check.
func (m *Metrics) SetProvisioned(ok bool) {
	if ok {
		m.provisioned.Set(1)
		return
	}

	m.provisioned.Set(0)
}

// SetStepStatus marks status as the only current status of step.
func (m *Metrics) SetStepStatus(step, status string) {
	m.stepStatus.DeletePartialMatch(prometheus.Labels{"step": step})
	m.stepStatus.WithLabelValues(step, status).Set(1)
}

// ExportBuildInfo publishes the running binary version.
func (m *Metrics) ExportBuildInfo(v version.Version) {
	m.buildInfo.WithLabelValues(v.AppVersion, v.GitCommit, v.GitBranch, v.GoVersion).Set(1)
}

// WriteTextfile atomically writes the metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrap(err, "write metrics textfile")
	}

	return nil
}
