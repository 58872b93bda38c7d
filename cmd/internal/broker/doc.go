// Package broker is the data socket: it accepts widget connections, runs the
// auth state machine and routes subscribe, query, auth and mutate requests to
// the extension registry and the reserved internal targets.
//
// Every connection gets one read loop, one writer draining a bounded queue and
// one heartbeat. Frames for a connection are only ever written by its writer, so
// extension fan-out and request replies never interleave on the wire.
package broker
