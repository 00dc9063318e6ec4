// Package health tracks the health of the control plane's moving parts and
// serves it over HTTP.
//
// Three states are reported: healthy, degraded (working with reduced
// function, e.g. the NATS connection is reconnecting) and unhealthy. A
// Monitor holds the latest Status per component; AggregateHealth folds them
// into one system status where any unhealthy part makes the whole
// unhealthy.
//
// Statuses are pushed with Update or pulled periodically with Watch:
//
//	monitor := health.NewMonitor()
//	go monitor.Watch(ctx, "controlplane", 5*time.Second, plane.Health)
//	server.Handle("/health", monitor.Handler("streamswitch"))
//
// Error text placed in a status through FromError is sanitized so URLs,
// paths, addresses and credentials never leave the process.
package health
