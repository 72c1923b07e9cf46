// Package health answers the liveness, readiness and dependency endpoints.
//
// A [Probe] returns nil when healthy and an error naming the reason
// otherwise. Probes compose with [All] and are bounded with [WithTimeout].
// [ShutdownGate] fails readiness as soon as the process starts draining so
// load balancers stop routing new clients to this instance.
package health
