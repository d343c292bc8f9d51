package alert

import (
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// Notifier interface for alert notification
type Notifier interface {
	SendAlert(alert model.Alert) error
}

// Manager fans alerts out to every configured notifier. Delivery is
// best-effort; a failing channel never blocks the decision path.
type Manager struct {
	notifiers []Notifier
	logger    *logrus.Logger
}

func NewManager(logger *logrus.Logger, notifiers ...Notifier) *Manager {
	return &Manager{notifiers: notifiers, logger: logger}
}

// Register adds a notifier. Not safe to call after alerts start flowing.
func (m *Manager) Register(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers the alert to all channels, stamping the time if unset.
func (m *Manager) Send(a model.Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	for _, n := range m.notifiers {
		if err := n.SendAlert(a); err != nil {
			m.logger.Warnf("[Alert] Delivery failed on %T: %v", n, err)
		}
	}
}

// NotifyEnforcementFailure raises the standard alert for an exhausted
// enforcement retry.
func (m *Manager) NotifyEnforcementFailure(f *model.EnforcementFailure) {
	m.Send(model.Alert{
		Type:     "enforcement_failure",
		Severity: "critical",
		Message:  f.Error(),
		Identity: &f.Identity,
	})
}
