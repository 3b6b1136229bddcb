package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/kquota/internal/resilience"
)

const (
	login1Dest      = "org.freedesktop.login1"
	login1Path      = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager   = "org.freedesktop.login1.Manager"
	login1Seat      = "org.freedesktop.login1.Seat"
	sigkill         = int32(9)
	propCacheSize   = 256
	rtcWakeAlarm    = "/sys/class/rtc/rtc0/wakealarm"
	dbusAccessError = "org.freedesktop.DBus.Error.AccessDenied"
	dbusAuthError   = "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"
)

// staticProps are session properties that never change for a session's
// lifetime.
type staticProps struct {
	Type   string
	Class  string
	Seat   string
	VT     uint32
	Remote bool
}

// Logind implements Registry against systemd-logind. Session enumeration
// goes through go-systemd's login1 client; actions are issued on a raw
// system bus connection so their errors are observed.
type Logind struct {
	login  *login1.Conn
	bus    *dbus.Conn
	props  *lru.Cache[string, staticProps]
	rtc    string
	logger zerolog.Logger
}

// NewLogind connects to logind on the system bus.
func NewLogind(ctx context.Context, logger zerolog.Logger) (*Logind, error) {
	login, err := login1.New()
	if err != nil {
		return nil, WrapBusError(fmt.Errorf("failed to connect to logind: %w", err))
	}

	bus, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		login.Close()
		return nil, WrapBusError(fmt.Errorf("failed to connect to system bus: %w", err))
	}

	cache, err := lru.New[string, staticProps](propCacheSize)
	if err != nil {
		login.Close()
		_ = bus.Close()
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &Logind{
		login:  login,
		bus:    bus,
		props:  cache,
		rtc:    rtcWakeAlarm,
		logger: logger.With().Str("component", "logind").Logger(),
	}, nil
}

// Close releases both bus connections.
func (l *Logind) Close() {
	l.login.Close()
	_ = l.bus.Close()
}

// ListSessions returns every session known to logind.
func (l *Logind) ListSessions(ctx context.Context) ([]Session, error) {
	listed, err := l.login.ListSessionsContext(ctx)
	if err != nil {
		return nil, WrapBusError(fmt.Errorf("failed to list sessions: %w", err))
	}

	sessions := make([]Session, 0, len(listed))
	for _, ls := range listed {
		s, err := l.describe(ctx, ls)
		if err != nil {
			// The session may have gone away between the two calls.
			l.logger.Debug().Err(err).Str("session", ls.ID).Msg("Skipping session")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (l *Logind) describe(ctx context.Context, ls login1.Session) (Session, error) {
	props, err := l.login.GetSessionPropertiesContext(ctx, ls.Path)
	if err != nil {
		return Session{}, WrapBusError(err)
	}

	static, ok := l.props.Get(ls.ID)
	if !ok {
		static = staticProps{
			Type:   variantString(props, "Type"),
			Class:  variantString(props, "Class"),
			Seat:   ls.Seat,
			VT:     variantUint32(props, "VTNr"),
			Remote: variantBool(props, "Remote"),
		}
		l.props.Add(ls.ID, static)
	}

	return Session{
		ID:     ls.ID,
		User:   ls.User,
		UID:    ls.UID,
		Type:   static.Type,
		Class:  static.Class,
		State:  variantString(props, "State"),
		Seat:   static.Seat,
		VT:     static.VT,
		Active: variantBool(props, "Active"),
		Idle:   variantBool(props, "IdleHint") || variantBool(props, "LockedHint"),
		Remote: static.Remote,
	}, nil
}

func (l *Logind) manager() dbus.BusObject {
	return l.bus.Object(login1Dest, login1Path)
}

func (l *Logind) call(ctx context.Context, method string, args ...interface{}) error {
	call := l.manager().CallWithContext(ctx, login1Manager+"."+method, 0, args...)
	if call.Err != nil {
		return WrapBusError(fmt.Errorf("%s: %w", method, call.Err))
	}
	return nil
}

// Terminate asks logind to end the session.
func (l *Logind) Terminate(ctx context.Context, id string) error {
	l.props.Remove(id)
	return l.call(ctx, "TerminateSession", id)
}

// Kill sends SIGKILL to every process of the session.
func (l *Logind) Kill(ctx context.Context, id string) error {
	l.props.Remove(id)
	return l.call(ctx, "KillSession", id, "all", sigkill)
}

// Lock locks the session's screen.
func (l *Logind) Lock(ctx context.Context, id string) error {
	return l.call(ctx, "LockSession", id)
}

// SwitchSeatTo switches the seat to the given virtual terminal.
func (l *Logind) SwitchSeatTo(ctx context.Context, seat string, vt uint32) error {
	var seatPath dbus.ObjectPath
	if err := l.manager().CallWithContext(ctx, login1Manager+".GetSeat", 0, seat).Store(&seatPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSeatNotReady, seat, err)
	}

	call := l.bus.Object(login1Dest, seatPath).CallWithContext(ctx, login1Seat+".SwitchTo", 0, vt)
	if call.Err != nil {
		wrapped := WrapBusError(call.Err)
		if resilience.Classify(wrapped) == resilience.KindPermissionDenied {
			return wrapped
		}
		return fmt.Errorf("%w: %s: %v", ErrSeatNotReady, seat, call.Err)
	}
	return nil
}

// Suspend suspends the machine.
func (l *Logind) Suspend(ctx context.Context) error {
	return l.call(ctx, "Suspend", false)
}

// SuspendUntil programs the RTC wake alarm and suspends.
func (l *Logind) SuspendUntil(ctx context.Context, wake time.Time) error {
	// The alarm must be cleared before a new value is accepted.
	if err := os.WriteFile(l.rtc, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("failed to clear wake alarm: %w", err)
	}
	if err := os.WriteFile(l.rtc, []byte(strconv.FormatInt(wake.Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("failed to set wake alarm: %w", err)
	}
	l.logger.Info().Time("wake", wake).Msg("Wake alarm set")
	return l.Suspend(ctx)
}

// Shutdown powers the machine off.
func (l *Logind) Shutdown(ctx context.Context) error {
	return l.call(ctx, "PowerOff", false)
}

// KillUserProcesses sends SIGKILL to every process of the user.
func (l *Logind) KillUserProcesses(ctx context.Context, uid uint32) error {
	return l.call(ctx, "KillUser", uid, sigkill)
}

// WrapBusError marks D-Bus failures with the resilience taxonomy so the
// owning endpoint retries or gives up appropriately.
func WrapBusError(err error) error {
	if err == nil {
		return nil
	}

	var name string
	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	}

	switch name {
	case dbusAccessError, dbusAuthError:
		return resilience.PermissionDenied(err)
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.NoReply",
		"org.freedesktop.DBus.Error.Disconnected",
		"org.freedesktop.DBus.Error.NameHasNoOwner",
		"org.freedesktop.DBus.Error.Timeout":
		return resilience.Transient(err)
	}

	if errors.Is(err, dbus.ErrClosed) {
		return resilience.Transient(err)
	}
	return err
}

func variantString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func variantUint32(props map[string]dbus.Variant, key string) uint32 {
	v, ok := props[key]
	if !ok {
		return 0
	}
	n, _ := v.Value().(uint32)
	return n
}

func variantBool(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}
