// Package gateway orchestrates the wallboard-gateway server components.
//
// # Overview
//
// The gateway package is the composition root. It opens the store, builds the
// connection registry, the liveness monitor, the status service and the
// message router, and serves them over one HTTP server.
//
// # Websocket Protocol
//
// Every frame is a JSON object {"event": "...", "data": {...}}.
//
// A connection starts unidentified and becomes an agent or a supervisor with
// its first successful connect event:
//
//	agent_connect       {agentCode}       -> connection_success {agentCode, status, timestamp}
//	supervisor_connect  {supervisorCode}  -> connection_success {supervisorCode, status, timestamp, onlineAgents}
//
// Once identified it may send:
//
//	update_status  {agentCode, status}                          -> status_updated | status_error
//	send_message   {fromCode, type, content, toCode|toTeamId,
//	                priority?, requestId?}                      -> message_sent   | message_error
//	mark_read      {messageId}                                  -> message_read   | message_error
//
// Other participants receive agent_connected, agent_disconnected,
// agent_status_update and new_message. Malformed frames and unknown events get
// connection_error with code bad_request and the connection stays open.
//
// # Disconnects
//
// A connection ends either because its read loop stopped (peer closed, pong
// timeout, write failure) or because the liveness monitor found its handle
// closed. Both paths remove the registry entry with DeregisterHandle, and only
// the one that actually removed it announces agent_disconnected, with reason
// "disconnect" or "heartbeat_timeout". Supervisor disconnects are not
// announced. When a code connects again the older connection is closed with
// reason "superseded" and leaves without an announcement.
//
// # HTTP API
//
//   - GET  /ws                            websocket upgrade (server.ws_path)
//   - GET  /health                        liveness, uptime and memory
//   - GET  /health/ready                  503 until an agent is connected
//   - GET  /api/agents/live               live agents with current status
//   - GET  /api/agents/{code}/history     status history, newest first
//   - PUT  /api/agents/{code}/status      status change, fanned out to everyone
//   - POST /api/messages/send             send a message
//   - GET  /api/messages/agent/{code}     message history (?teamId=&limit=)
//   - PUT  /api/messages/{id}/read        mark a message read
//
// REST responses use the envelope {"success": bool, "data"|"error": ...}.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
package gateway
