// Package health provides health checking primitives for the action runtime.
//
// A Checker reports a Status: Healthy, Degraded or Unhealthy. The runtime
// registers one checker per live connection (see PingChecker), one for the
// dispatch queue (see SaturationChecker) and exposes the composite through
// HTTP probes.
//
// # Aggregating Health Checks
//
//	agg := health.NewAggregator()
//	agg.Register("queue", health.NewSaturationChecker(cfg, readQueue))
//	agg.RegisterOptional("connection:gmail", health.NewPingChecker("gmail", conn, time.Second))
//
//	results := agg.CheckAll(ctx)
//	overall := agg.OverallStatus(results)
//
// Optional checkers degrade the overall status but never make it unhealthy.
//
// # HTTP Endpoints
//
//	r := chi.NewRouter()
//	health.Mount(r, agg) // /healthz, /readyz, /health, /health/{name}
package health
