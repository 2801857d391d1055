// Package registry tracks which participant connection is live for each code.
//
// Agents and supervisors live in separate partitions keyed by the uppercased
// participant code. Register never fails: a second connection for the same
// code replaces the first and the replaced handle is handed back to the
// caller. DeregisterHandle only removes an entry while it still points at the
// given handle, which is what lets the explicit-disconnect path and the
// liveness sweep race safely.
package registry
