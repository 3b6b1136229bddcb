package systemd

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Metrics   net.Listener
	Admin     net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	// false = keep LISTEN_FDS for anything we exec
	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Names come from FileDescriptorName= in kquota.socket.
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}
	if lns, ok := named["admin"]; ok && len(lns) > 0 {
		listeners.Admin = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyReloading sends RELOADING=1 notification to systemd
func NotifyReloading() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReloading); err != nil {
		return fmt.Errorf("failed to send sd_notify reloading: %w", err)
	}
	return nil
}

// Watchdog pings the systemd watchdog at most twice per configured
// interval. A zero Watchdog never pings.
type Watchdog struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	notify   func() error
}

// NewWatchdog reads WATCHDOG_USEC. It returns a disabled watchdog when the
// unit has none.
func NewWatchdog() (*Watchdog, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	return &Watchdog{interval: interval, notify: notifyWatchdog}, nil
}

// Interval returns the configured watchdog interval, zero when disabled.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

// Ping sends WATCHDOG=1 if half the interval has passed since the last one.
func (w *Watchdog) Ping(now time.Time) error {
	if w == nil || w.interval <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.last.IsZero() && now.Sub(w.last) < w.interval/2 {
		return nil
	}
	w.last = now
	return w.notify()
}

func notifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}
