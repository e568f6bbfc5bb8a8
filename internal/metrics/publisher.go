package metrics

import (
	"context"

	"github.com/pillmate/devicecfg/internal/preflight"
)

// Publisher mirrors preflight status updates into the metrics.
type Publisher struct {
	metrics *Metrics
	device  bool
}

func NewPublisher(m *Metrics, provisioned bool) *Publisher {
	return &Publisher{metrics: m, device: provisioned}
}

func (p *Publisher) Publish(_ context.Context, status *preflight.TaskStatus) {
	p.metrics.SetProvisioned(p.device)

	for _, step := range status.Steps {
		p.metrics.SetStepStatus(step.Step, step.Status)
	}
}
