package session

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/resilience"
)

// screenSaverServices lists the screensaver implementations probed on a
// user's session bus, in order of preference.
var screenSaverServices = []struct {
	name string
	dest string
	path dbus.ObjectPath
}{
	{"gnome", "org.gnome.ScreenSaver", "/org/gnome/ScreenSaver"},
	{"cinnamon", "org.cinnamon.ScreenSaver", "/org/cinnamon/ScreenSaver"},
	{"mate", "org.mate.ScreenSaver", "/org/mate/ScreenSaver"},
	{"xfce", "org.xfce.ScreenSaver", "/org/xfce/ScreenSaver"},
	{"freedesktop", "org.freedesktop.ScreenSaver", "/org/freedesktop/ScreenSaver"},
}

// UserBusAddress returns the session bus address of uid.
func UserBusAddress(uid uint32) string {
	return fmt.Sprintf("unix:path=/run/user/%d/bus", uid)
}

// ConnectUserBus opens a private connection to uid's session bus.
func ConnectUserBus(ctx context.Context, uid uint32) (*dbus.Conn, error) {
	conn, err := dbus.Connect(UserBusAddress(uid), dbus.WithContext(ctx))
	if err != nil {
		return nil, WrapBusError(fmt.Errorf("failed to connect to session bus of uid %d: %w", uid, err))
	}
	return conn, nil
}

// ScreenSaver queries a desktop screensaver for whether it is active.
type ScreenSaver struct {
	Service string
	conn    *dbus.Conn
	obj     dbus.BusObject
	iface   string
}

// Active reports whether the screensaver is currently showing.
func (s *ScreenSaver) Active(ctx context.Context) (bool, error) {
	var active bool
	if err := s.obj.CallWithContext(ctx, s.iface+".GetActive", 0).Store(&active); err != nil {
		return false, WrapBusError(fmt.Errorf("%s GetActive: %w", s.Service, err))
	}
	return active, nil
}

// Close releases the bus connection.
func (s *ScreenSaver) Close() {
	if s != nil && s.conn != nil {
		_ = s.conn.Close()
	}
}

// ScreenSaverCandidates returns one discovery candidate per known
// screensaver implementation on uid's session bus.
func ScreenSaverCandidates(uid uint32) []resilience.Candidate[*ScreenSaver] {
	candidates := make([]resilience.Candidate[*ScreenSaver], 0, len(screenSaverServices))
	for _, svc := range screenSaverServices {
		svc := svc
		candidates = append(candidates, resilience.Candidate[*ScreenSaver]{
			Name: svc.name,
			Connect: func(ctx context.Context) (*ScreenSaver, error) {
				conn, err := ConnectUserBus(ctx, uid)
				if err != nil {
					return nil, err
				}
				return &ScreenSaver{
					Service: svc.name,
					conn:    conn,
					obj:     conn.Object(svc.dest, svc.path),
					iface:   svc.dest,
				}, nil
			},
			Probe: func(ctx context.Context, s *ScreenSaver) error {
				_, err := s.Active(ctx)
				return err
			},
			Close: func(s *ScreenSaver) { s.Close() },
		})
	}
	return candidates
}

// DiscoverScreenSaver connects to the first screensaver implementation that
// answers on uid's session bus.
func DiscoverScreenSaver(ctx context.Context, uid uint32) (*ScreenSaver, error) {
	found, err := resilience.Discover(ctx, ScreenSaverCandidates(uid))
	if err != nil {
		return nil, err
	}
	return found.Handle, nil
}

// ScreenSaverProbe polls a user's screensaver through a resilient
// endpoint. It must be used from the loop.
type ScreenSaverProbe struct {
	endpoint *resilience.Endpoint[*ScreenSaver]
	timeout  time.Duration
}

// NewScreenSaverProbe creates a probe that discovers the screensaver on
// uid's session bus.
func NewScreenSaverProbe(l *loop.Loop, name string, uid uint32, opts resilience.Options, logger zerolog.Logger) *ScreenSaverProbe {
	ep := resilience.NewEndpoint(l, name, opts, func(ctx context.Context) (*ScreenSaver, error) {
		return DiscoverScreenSaver(ctx, uid)
	}, logger)
	ep.OnClose(func(s *ScreenSaver) { s.Close() })

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScreenSaverProbe{endpoint: ep, timeout: timeout}
}

// Endpoint exposes the underlying endpoint for registration.
func (p *ScreenSaverProbe) Endpoint() resilience.Tracked {
	return p.endpoint
}

// Poll reports whether the screensaver is active. ok is false when the
// screensaver could not be queried; a connection attempt is started if
// none is pending.
func (p *ScreenSaverProbe) Poll(then func(active, ok bool)) {
	if p.endpoint.State() != resilience.Connected {
		p.endpoint.Connect()
		then(false, false)
		return
	}

	var active bool
	timeout := p.timeout
	p.endpoint.DoAsync(func(s *ScreenSaver) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var err error
		active, err = s.Active(ctx)
		return err
	}, func(err error) {
		then(active, err == nil)
	})
}

// Close releases the connection.
func (p *ScreenSaverProbe) Close() {
	p.endpoint.Close()
}
