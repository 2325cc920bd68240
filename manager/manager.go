// Package manager tracks device sessions across the boards a user works
// with. It hands out one live session per device and coordinates switching
// between them.
package manager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/picolink/picolink-core/board"
	"github.com/picolink/picolink-core/config"
	"github.com/picolink/picolink-core/logger"
)

// SessionFactory creates a session for a device.
// This allows tests to inject mock sessions.
type SessionFactory func(device string, baud int, helperPath string) board.SessionInterface

// defaultSessionFactory creates real board sessions.
func defaultSessionFactory(device string, baud int, helperPath string) board.SessionInterface {
	return board.NewSession(device, baud, helperPath)
}

// SessionManager handles session lifecycle across devices: creation on
// first use, reuse while connected, and teardown on removal or shutdown.
type SessionManager struct {
	cfg     *config.Config
	factory SessionFactory
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]board.SessionInterface
	active   string
}

// New creates a session manager over the given config.
func New(cfg *config.Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		factory:  defaultSessionFactory,
		log:      logger.WithComponent("manager"),
		sessions: make(map[string]board.SessionInterface),
	}
}

// SetSessionFactory replaces the session factory. Tests inject mocks here.
func (m *SessionManager) SetSessionFactory(f SessionFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = f
}

// Active returns the currently selected session, or nil.
func (m *SessionManager) Active() board.SessionInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil
	}
	return m.sessions[m.active]
}

// ActiveDevice returns the currently selected device identifier.
func (m *SessionManager) ActiveDevice() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Select returns a connected session for the device, creating and
// connecting one on first use, and marks it active.
func (m *SessionManager) Select(device string) (board.SessionInterface, error) {
	m.mu.Lock()
	sess, ok := m.sessions[device]
	if !ok {
		sess = m.factory(device, m.cfg.BaudRateFor(device), m.cfg.GetHelperPath())
		m.sessions[device] = sess
	}
	m.mu.Unlock()

	if !sess.Connected() {
		if err := sess.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", device, err)
		}
	}

	m.mu.Lock()
	m.active = device
	m.mu.Unlock()

	m.log.Info("session selected", "device", device)
	return sess, nil
}

// SwitchDevice moves the active session to a new device, cancelling its
// pending operations. Without an active session it behaves like Select.
func (m *SessionManager) SwitchDevice(newDevice string) (board.SessionInterface, error) {
	m.mu.Lock()
	activeDevice := m.active
	sess := m.sessions[activeDevice]
	m.mu.Unlock()

	if sess == nil {
		return m.Select(newDevice)
	}

	if err := sess.SwitchDevice(newDevice); err != nil {
		return nil, fmt.Errorf("failed to switch to %s: %w", newDevice, err)
	}

	m.mu.Lock()
	delete(m.sessions, activeDevice)
	m.sessions[newDevice] = sess
	m.active = newDevice
	m.mu.Unlock()

	m.log.Info("switched device", "from", activeDevice, "to", newDevice)
	return sess, nil
}

// Remove disconnects and forgets the session for a device.
func (m *SessionManager) Remove(device string) {
	m.mu.Lock()
	sess := m.sessions[device]
	delete(m.sessions, device)
	if m.active == device {
		m.active = ""
	}
	m.mu.Unlock()

	if sess != nil && sess.Connected() {
		sess.Disconnect()
	}
}

// DisconnectAll gracefully tears down every live session.
func (m *SessionManager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]board.SessionInterface, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]board.SessionInterface)
	m.active = ""
	m.mu.Unlock()

	for _, sess := range sessions {
		if sess.Connected() {
			sess.Disconnect()
		}
	}
}
