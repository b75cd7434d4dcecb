package socket

import "github.com/docker/go-metrics"

var (
	socketActions    metrics.LabeledTimer
	fallbackAttempts metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("netsock", "socket", nil)
	socketActions = ns.NewLabeledTimer("actions", "The number of seconds it takes to process each socket action", "action")
	for _, a := range []string{
		"bind",
		"connect",
		"close",
	} {
		socketActions.WithValues(a).Update(0)
	}
	fallbackAttempts = ns.NewLabeledCounter("fallback_attempts", "The number of per-address connect attempts made by hostname dials", "result")
	metrics.Register(ns)
}
