package audit

import (
	"github.com/blackwall-project/blackwall/internal/core"
)

// BusSink publishes entries to the NATS decision stream so external consumers
// (SIEM forwarders, dashboards) can follow decisions live.
type BusSink struct {
	bus *core.DecisionBus
}

// NewBusSink wraps a connected DecisionBus.
func NewBusSink(bus *core.DecisionBus) *BusSink {
	return &BusSink{bus: bus}
}

func (b *BusSink) Name() string { return "bus" }

func (b *BusSink) Write(entry *core.AuditEntry) error {
	return b.bus.PublishDecision(entry)
}
