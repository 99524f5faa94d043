// Package engine composes the actionrun runtime: the remote transport and
// action catalog, the connection pool, the fault handler, rate limiters,
// the dispatcher, webhook ingestion, health checks and telemetry.
//
// An Engine is built from a config.Config, started with Start and stopped
// with Shutdown. Handler exposes the management API, webhooks, health,
// metrics and a live event stream over one chi router.
package engine
