// Package notify defines the outbound event protocol and the fan-out stage.
//
// Services never write to connections directly. They return []Delivery, each
// pairing a Sender with an Envelope, and the caller passes them to Fanout once
// persistence has succeeded. Fanout is non-blocking: a full or closed
// connection drops the envelope and a warning is logged.
package notify
