package reconcile

import "fmt"

const violationReasonLimit = 8

// violationMonitor tracks protocol-invariant breaks (duplicate appears,
// updates for unknown entities) and signals when the session should ask
// the server to restate the world instead of limping on.
type violationMonitor struct {
	totalEvents uint64
	violations  uint64
	pending     bool
	reasons     []string
}

func newViolationMonitor() *violationMonitor {
	return &violationMonitor{reasons: make([]string, 0, violationReasonLimit)}
}

func (m *violationMonitor) noteEvent() {
	if m == nil {
		return
	}
	if m.totalEvents == ^uint64(0) {
		m.totalEvents = m.totalEvents / 2
		m.violations = m.violations / 2
	}
	m.totalEvents++
}

func (m *violationMonitor) noteViolation(kind string, serverID uint64) {
	if m == nil {
		return
	}
	m.violations++
	m.pending = true
	if len(m.reasons) < violationReasonLimit {
		m.reasons = append(m.reasons, fmt.Sprintf("%s id=%d", kind, serverID))
	}
}

// consume returns the accumulated reasons once and rearms the monitor.
func (m *violationMonitor) consume() ([]string, bool) {
	if m == nil || !m.pending {
		return nil, false
	}
	reasons := append([]string(nil), m.reasons...)
	m.pending = false
	m.violations = 0
	m.totalEvents = 0
	m.reasons = m.reasons[:0]
	return reasons, true
}
