package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/goodtune/kquota/internal/session"
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsIface = "org.freedesktop.Notifications"
)

// Freedesktop delivers messages through org.freedesktop.Notifications on a
// user's session bus.
type Freedesktop struct {
	conn     *dbus.Conn
	obj      dbus.BusObject
	appName  string
	timeout  int32
	onClosed func(Handle)
	signals  chan *dbus.Signal
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// DialFreedesktop connects to uid's notification daemon. onClosed is called
// from a background goroutine when the daemon reports a closed
// notification. expireMillis follows the Notify expire_timeout semantics.
func DialFreedesktop(ctx context.Context, uid uint32, appName string, expireMillis int32, onClosed func(Handle)) (*Freedesktop, error) {
	conn, err := session.ConnectUserBus(ctx, uid)
	if err != nil {
		return nil, err
	}

	f := &Freedesktop{
		conn:     conn,
		obj:      conn.Object(notificationsDest, notificationsPath),
		appName:  appName,
		timeout:  expireMillis,
		onClosed: onClosed,
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
	}

	var caps []string
	if err := f.obj.CallWithContext(ctx, notificationsIface+".GetCapabilities", 0).Store(&caps); err != nil {
		_ = conn.Close()
		return nil, session.WrapBusError(fmt.Errorf("notification daemon not available: %w", err))
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notificationsPath),
		dbus.WithMatchInterface(notificationsIface),
		dbus.WithMatchMember("NotificationClosed"),
	); err != nil {
		_ = conn.Close()
		return nil, session.WrapBusError(fmt.Errorf("failed to subscribe to NotificationClosed: %w", err))
	}
	conn.Signal(f.signals)

	f.wg.Add(1)
	go f.watch()

	return f, nil
}

func (f *Freedesktop) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case sig, ok := <-f.signals:
			if !ok {
				return
			}
			if sig.Name != notificationsIface+".NotificationClosed" || len(sig.Body) < 1 {
				continue
			}
			id, ok := sig.Body[0].(uint32)
			if ok && f.onClosed != nil {
				f.onClosed(Handle(id))
			}
		}
	}
}

// Deliver sends msg, replacing the notification identified by replaces when
// it is non-zero.
func (f *Freedesktop) Deliver(ctx context.Context, msg Message, replaces Handle) (Handle, error) {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(msg.Urgency)),
	}
	if msg.Sound != "" {
		hints["sound-name"] = dbus.MakeVariant(msg.Sound)
	}

	var id uint32
	err := f.obj.CallWithContext(ctx, notificationsIface+".Notify", 0,
		f.appName,
		uint32(replaces),
		"",
		msg.Title,
		msg.Body,
		[]string{},
		hints,
		f.timeout,
	).Store(&id)
	if err != nil {
		return 0, session.WrapBusError(fmt.Errorf("Notify: %w", err))
	}
	return Handle(id), nil
}

// Close stops the signal watcher and closes the bus connection.
func (f *Freedesktop) Close() {
	f.once.Do(func() {
		close(f.done)
		f.conn.RemoveSignal(f.signals)
		_ = f.conn.Close()
		f.wg.Wait()
	})
}
