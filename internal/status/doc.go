// Package status turns update_status requests into persisted StatusRecords
// and the notifications that announce them.
//
// Update validates the status against the fixed set (exact match), copies
// the agent's team from its profile, appends the record and only then
// returns deliveries: agent_status_update for every other live connection and
// status_updated for the sender. A store failure returns a PersistenceError
// and no deliveries.
package status
