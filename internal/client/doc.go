// Package client provides Go clients for the wallboard gateway.
//
// # Websocket
//
// Conn is a participant connection. Dial it, identify with ConnectAgent or
// ConnectSupervisor, then use the request helpers, each of which emits one
// event and waits for its acknowledgement:
//
//	c, err := client.Dial(ctx, "ws://localhost:3001/ws", client.Options{})
//	ack, err := c.ConnectSupervisor(ctx, "SV001")
//	for ev := range c.Events() {
//		// agent_connected, agent_status_update, new_message, ...
//	}
//
// Broadcasts that arrive while a helper is waiting are discarded, so a caller
// that needs every event should read Events directly and Emit by hand.
// Error acknowledgements come back as *ServerError. When the gateway closes
// the connection, CloseReason reports why ("superseded", "shutdown").
//
// # REST
//
// API wraps the HTTP endpoints (live agents, status and message history,
// status updates, message send and read, health). Error envelopes come back
// as *APIError carrying the HTTP status and the wire error code.
package client
