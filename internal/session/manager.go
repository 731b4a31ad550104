package session

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one controller per authenticated identity so concurrent
// users never share thread state.
type Manager struct {
	asker Asker
	store ChatStore

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager builds an empty manager over the shared dependencies.
func NewManager(asker Asker, store ChatStore) *Manager {
	return &Manager{
		asker:       asker,
		store:       store,
		controllers: make(map[string]*Controller),
	}
}

// ForIdentity returns the identity's controller, creating it on first use.
func (m *Manager) ForIdentity(identity string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctrl, ok := m.controllers[identity]; ok {
		return ctrl
	}
	ctrl := NewController(identity, m.asker, m.store)
	ctrl.SetDurabilityHook(func(evt DurabilityEvent) {
		if !evt.Persisted {
			logrus.WithError(evt.Err).WithFields(logrus.Fields{
				"identity": identity,
				"chat_id":  evt.ChatID,
			}).Warn("durability gap: optimistic turn was not persisted")
		}
	})
	m.controllers[identity] = ctrl
	return ctrl
}

// Reset drops the identity's controller, e.g. on logout.
func (m *Manager) Reset(identity string) {
	m.mu.Lock()
	delete(m.controllers, identity)
	m.mu.Unlock()
}
