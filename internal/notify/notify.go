// ABOUTME: Outbound notification envelope and the fan-out stage that sends deliveries
// ABOUTME: Services return Delivery values; Fanout hands them to connections without blocking

package notify

import (
	"log/slog"

	"github.com/samber/lo"
)

// Envelope is the wire frame for every outbound event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Sender is the part of a connection handle the fan-out stage needs.
type Sender interface {
	// ID identifies the underlying connection in logs.
	ID() string
	// Send enqueues env for writing. It never blocks and reports false when the
	// envelope was dropped because the connection is closed or backed up.
	Send(env Envelope) bool
}

// Delivery pairs a target connection with the envelope to send it.
type Delivery struct {
	To       Sender
	Envelope Envelope
}

// New builds an envelope.
func New(event string, data any) Envelope {
	return Envelope{Event: event, Data: data}
}

// To fans one envelope out to many targets.
func To(targets []Sender, env Envelope) []Delivery {
	return lo.Map(targets, func(s Sender, _ int) Delivery {
		return Delivery{To: s, Envelope: env}
	})
}

// Fanout sends deliveries in order and returns how many were accepted.
// Dropped deliveries are logged and otherwise ignored; there is no retry.
func Fanout(deliveries []Delivery, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	sent := 0
	for _, d := range deliveries {
		if d.To == nil {
			continue
		}
		if d.To.Send(d.Envelope) {
			sent++
			continue
		}
		logger.Warn("dropped notification",
			"event", d.Envelope.Event,
			"conn_id", d.To.ID(),
		)
	}
	return sent
}
