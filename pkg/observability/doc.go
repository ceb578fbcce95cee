/*
Package observability exposes replication activity as Prometheus metrics.

Metrics turns the lifecycle hooks of a replica.Manager into counters, gauges and
histograms labelled by namespace:

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	mgr, err := replica.New(doc, cfg, replica.WithHooks(metrics.Hooks()))

Hooks can be chained with Chain when an application also wants its own callbacks.
*/
package observability
