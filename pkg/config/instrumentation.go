package config

var (
	// LatencyBuckets define buckets for histograms of invocation and dispatch latency - in seconds
	LatencyBuckets = []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	// HookLatencyBuckets define buckets for the histogram of single hook executions - in seconds
	HookLatencyBuckets = []float64{.0001, .001, .01, .05, .1, .5, 1, 5}
)
