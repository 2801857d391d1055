// Package transport adapts gorilla/websocket connections to registry.Handle.
//
// Each Conn has exactly one reader (Serve, on the HTTP handler goroutine) and
// one writer (the write pump). Send only enqueues onto a bounded channel, so
// fan-out never blocks on a slow peer; when the queue is full the envelope is
// dropped. The write pump pings every 9/10 of PongWait and a peer that stays
// silent past PongWait ends the read loop, which closes the connection.
package transport
