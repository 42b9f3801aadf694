// Package sessionmon watches systemd-logind for suspend and session-lock
// signals. Keys physically held across a suspend never produce their release
// transition, so the dispatcher's pending and held state must be cleared
// before the machine sleeps and again when it wakes.
package sessionmon

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"keymapd/internal/logging"
)

const (
	logindService   = "org.freedesktop.login1"
	managerIface    = "org.freedesktop.login1.Manager"
	sessionIface    = "org.freedesktop.login1.Session"
	prepareForSleep = managerIface + ".PrepareForSleep"
	sessionLock     = sessionIface + ".Lock"
	sessionUnlock   = sessionIface + ".Unlock"
)

// Resetter clears transient dispatch state. The engine satisfies it.
type Resetter interface {
	Reset()
}

// Monitor subscribes to logind signals on the system bus.
type Monitor struct {
	conn    *dbus.Conn
	resets  Resetter
	log     *logging.Logger
	signals chan *dbus.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

// New connects to the system bus and subscribes. The caller owns the
// returned monitor and must Close it.
func New(resets Resetter, log *logging.Logger) (*Monitor, error) {
	if log == nil {
		log = logging.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("sessionmon: system bus: %w", err)
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(logindService),
			dbus.WithMatchInterface(managerIface),
			dbus.WithMatchMember("PrepareForSleep"),
		},
		{
			dbus.WithMatchSender(logindService),
			dbus.WithMatchInterface(sessionIface),
			dbus.WithMatchMember("Lock"),
		},
		{
			dbus.WithMatchSender(logindService),
			dbus.WithMatchInterface(sessionIface),
			dbus.WithMatchMember("Unlock"),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sessionmon: add match: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		conn:    conn,
		resets:  resets,
		log:     log.WithComponent("sessionmon"),
		signals: make(chan *dbus.Signal, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	conn.Signal(m.signals)
	go m.run(ctx)
	return m, nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.handle(sig)
		}
	}
}

func (m *Monitor) handle(sig *dbus.Signal) {
	switch sig.Name {
	case prepareForSleep:
		// Body is a single bool: true before sleep, false after resume.
		// State is cleared on both edges; the resume-side reset covers
		// logind versions that emit only the wake signal.
		sleeping := false
		if len(sig.Body) == 1 {
			sleeping, _ = sig.Body[0].(bool)
		}
		m.log.Info("suspend transition", "sleeping", sleeping)
		m.resets.Reset()
	case sessionLock, sessionUnlock:
		m.log.Info("session lock transition", "signal", sig.Name)
		m.resets.Reset()
	}
}

// Close stops the monitor and releases the bus connection.
func (m *Monitor) Close() error {
	m.cancel()
	m.conn.RemoveSignal(m.signals)
	err := m.conn.Close()
	<-m.done
	return err
}
