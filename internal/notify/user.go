package notify

import (
	"context"
	"fmt"

	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/rs/zerolog"
)

// FreedesktopOptions configures per-user desktop notifications.
type FreedesktopOptions struct {
	AppName      string
	ExpireMillis int32
	Endpoint     resilience.Options
	Dispatch     Config
}

// NewFreedesktopDispatcher builds a dispatcher for user that delivers over
// org.freedesktop.Notifications on the user's session bus. The endpoint is
// registered with manager under "notify:<user>"; Close unregisters it.
func NewFreedesktopDispatcher(l *loop.Loop, manager *resilience.Manager, user string, uid uint32, opts FreedesktopOptions, logger zerolog.Logger) *UserDispatcher {
	name := fmt.Sprintf("notify:%s", user)
	logger = logger.With().Str("user", user).Logger()

	var d *Dispatcher
	ep := resilience.NewEndpoint[Sink](l, name, opts.Endpoint, func(ctx context.Context) (Sink, error) {
		f, err := DialFreedesktop(ctx, uid, opts.AppName, opts.ExpireMillis, func(h Handle) {
			l.Post(func() { d.OnClosed(h) })
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}, logger)
	ep.OnClose(func(s Sink) {
		if s != nil {
			s.Close()
		}
	})
	ep.OnPermanentFailure(func(err error) {
		logger.Warn().Err(err).Msg("Desktop notifications unavailable, warnings suppressed")
	})

	d = NewDispatcher(l, ep, opts.Dispatch, logger)
	d.OnDelivered = func(ch Channel, replaced bool) {
		mode := "new"
		if replaced {
			mode = "replace"
		}
		metrics.NotificationsTotal.WithLabelValues(string(ch), mode).Inc()
	}

	if manager != nil {
		manager.Register(ep)
	}
	return &UserDispatcher{Dispatcher: d, manager: manager, name: name}
}

// UserDispatcher is a Dispatcher bound to a registered endpoint.
type UserDispatcher struct {
	*Dispatcher
	manager *resilience.Manager
	name    string
}

// Close releases the sink and unregisters the endpoint.
func (u *UserDispatcher) Close() {
	u.Dispatcher.Close()
	if u.manager != nil {
		u.manager.Remove(u.name)
	}
}
