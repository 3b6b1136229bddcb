package notify

import (
	"context"
	"time"

	"github.com/goodtune/kquota/internal/loop"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/rs/zerolog"
)

// Handle identifies a delivered notification to the sink.
type Handle uint32

// Sink delivers rendered messages. A non-zero replaces asks the sink to
// update that notification in place.
type Sink interface {
	Deliver(ctx context.Context, msg Message, replaces Handle) (Handle, error)
	Close()
}

// Config controls dispatch behaviour.
type Config struct {
	ReplaceWindow  time.Duration
	DeliverTimeout time.Duration
}

type lastNote struct {
	handle Handle
	at     time.Time
}

// Dispatcher renders and delivers one user's notifications. It must be used
// from the loop.
type Dispatcher struct {
	loop     *loop.Loop
	endpoint *resilience.Endpoint[Sink]
	cfg      Config
	logger   zerolog.Logger
	last     map[Channel]lastNote

	// OnDelivered, if set, is called after each successful delivery.
	OnDelivered func(ch Channel, replaced bool)
}

// NewDispatcher creates a dispatcher delivering through endpoint.
func NewDispatcher(l *loop.Loop, endpoint *resilience.Endpoint[Sink], cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.ReplaceWindow <= 0 {
		cfg.ReplaceWindow = 10 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	return &Dispatcher{
		loop:     l,
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger.With().Str("component", "notify").Logger(),
		last:     make(map[Channel]lastNote),
	}
}

// Notify renders and sends a message of kind on its channel.
func (d *Dispatcher) Notify(kind Kind, severity Severity, timeLeft time.Duration) {
	d.Send(kind.Channel(), Render(kind, severity, timeLeft))
}

// Send delivers msg on ch. Without a connected sink it makes one connect
// attempt and drops the message.
func (d *Dispatcher) Send(ch Channel, msg Message) {
	switch d.endpoint.State() {
	case resilience.PermanentlyFailed:
		return
	case resilience.Unconnected:
		d.endpoint.Connect()
		d.logger.Debug().Str("channel", string(ch)).Str("title", msg.Title).Msg("Notification dropped, sink not connected")
		return
	}

	now := d.loop.Now()
	var replaces Handle
	if prev, ok := d.last[ch]; ok && now.Sub(prev.at) < d.cfg.ReplaceWindow {
		replaces = prev.handle
	}

	var delivered Handle
	timeout := d.cfg.DeliverTimeout
	d.endpoint.DoAsync(func(sink Sink) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		h, err := sink.Deliver(ctx, msg, replaces)
		delivered = h
		return err
	}, func(err error) {
		if err != nil {
			d.logger.Debug().Err(err).Str("channel", string(ch)).Msg("Notification delivery failed")
			return
		}
		d.last[ch] = lastNote{handle: delivered, at: now}
		if d.OnDelivered != nil {
			d.OnDelivered(ch, replaces != 0)
		}
	})
}

// OnClosed forgets a handle the sink reports as closed so the next message
// on its channel is created afresh.
func (d *Dispatcher) OnClosed(h Handle) {
	for ch, note := range d.last {
		if note.handle == h {
			delete(d.last, ch)
		}
	}
}

// Close releases the sink.
func (d *Dispatcher) Close() {
	d.endpoint.Close()
}
