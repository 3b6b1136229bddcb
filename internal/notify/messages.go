package notify

import (
	"fmt"
	"time"
)

// Channel is a logical notification stream. Each channel replaces its own
// previous message independently of the others.
type Channel string

const (
	ChannelStandard   Channel = "standard"
	ChannelAccounting Channel = "accounting"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindWarning        Kind = "warning"
	KindCountdown      Kind = "countdown"
	KindLockout        Kind = "lockout"
	KindAdjusted       Kind = "adjusted"
	KindPolicyChanged  Kind = "policy_changed"
	KindUnlimited      Kind = "unlimited"
	KindLedgerDegraded Kind = "ledger_degraded"
)

// Channel returns the channel messages of this kind are sent on.
func (k Kind) Channel() Channel {
	switch k {
	case KindAdjusted, KindPolicyChanged, KindLedgerDegraded:
		return ChannelAccounting
	default:
		return ChannelStandard
	}
}

// Severity ranks how urgent a message is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Urgency follows the freedesktop notification urgency levels.
type Urgency byte

const (
	UrgencyLow      Urgency = 0
	UrgencyNormal   Urgency = 1
	UrgencyCritical Urgency = 2
)

// Message is a rendered notification.
type Message struct {
	Title   string
	Body    string
	Urgency Urgency
	// Sound is a freedesktop sound theme name, empty for silence.
	Sound string
}

// Render builds the message for kind. timeLeft is ignored by kinds that do
// not report remaining time.
func Render(kind Kind, severity Severity, timeLeft time.Duration) Message {
	msg := Message{Urgency: urgencyFor(severity), Sound: soundFor(severity)}

	switch kind {
	case KindWarning:
		msg.Title = "Time is running out"
		msg.Body = fmt.Sprintf("You have %s left.", FormatDuration(timeLeft))
	case KindCountdown:
		msg.Title = "Final countdown"
		msg.Body = fmt.Sprintf("Your session ends in %s. Save your work now.", FormatDuration(timeLeft))
	case KindLockout:
		msg.Title = "Time is up"
		msg.Body = "Your time allowance has been used up."
	case KindAdjusted:
		msg.Title = "Time allowance changed"
		msg.Body = fmt.Sprintf("You now have %s left.", FormatDuration(timeLeft))
	case KindPolicyChanged:
		msg.Title = "Time limits changed"
		msg.Body = fmt.Sprintf("You now have %s left.", FormatDuration(timeLeft))
	case KindUnlimited:
		msg.Title = "Time limits changed"
		msg.Body = "Your time is not limited right now."
	case KindLedgerDegraded:
		msg.Title = "Time accounting reset"
		msg.Body = "Saved usage could not be read; today's usage starts from zero."
	default:
		msg.Title = string(kind)
	}

	return msg
}

// FormatDuration renders d for humans, e.g. "1h 05m", "4m 30s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func urgencyFor(s Severity) Urgency {
	switch s {
	case SeverityCritical:
		return UrgencyCritical
	case SeverityWarning:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

func soundFor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "alarm-clock-elapsed"
	case SeverityWarning:
		return "dialog-warning"
	default:
		return ""
	}
}
