package telemetry

// CommitBuckets for limit-window commit latencies (in-memory plus one read)
var CommitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

// Server-side metrics
var (
	// MessagesSentTotal counts stamped messages transmitted, by message kind
	MessagesSentTotal CounterVec = noopCounterVec{}

	// SendFailuresTotal counts failed sends (each one drops the client)
	SendFailuresTotal Counter = NoopStat{}

	// ServerClients tracks currently subscribed client addresses
	ServerClients Gauge = NoopStat{}

	// LimitManagers tracks live limit-window managers
	LimitManagers Gauge = NoopStat{}

	// LimitCommitSeconds measures limit-window commit latency
	LimitCommitSeconds Histogram = NoopStat{}

	// LimitRefillReadsTotal counts refill reads issued by limit commits
	LimitRefillReadsTotal Counter = NoopStat{}
)

// Client-side metrics
var (
	// Feeds tracks live per-table feeds on this node
	Feeds Gauge = NoopStat{}

	// Subscriptions tracks live subscriptions across all feeds
	Subscriptions Gauge = NoopStat{}

	// OverflowTotal counts subscriptions terminated by queue overflow
	OverflowTotal Counter = NoopStat{}

	// ReorderedTotal counts messages that arrived out of order and were buffered
	ReorderedTotal Counter = NoopStat{}

	// StaleDropsTotal counts messages dropped for carrying an already-seen stamp
	StaleDropsTotal Counter = NoopStat{}

	// FeedFailuresTotal counts feeds declared broken (reorder cap exceeded,
	// unknown limit subscription)
	FeedFailuresTotal Counter = NoopStat{}
)

// registerMetrics swaps the noop defaults for real Prometheus metrics.
// Must only run after the registry exists.
func registerMetrics() {
	MessagesSentTotal = NewCounterVec("messages_sent_total", "Stamped messages transmitted by kind", []string{"kind"})
	SendFailuresTotal = NewCounter("send_failures_total", "Failed sends that dropped the client")
	ServerClients = NewGauge("server_clients", "Currently subscribed client addresses")
	LimitManagers = NewGauge("limit_managers", "Live limit-window managers")
	LimitCommitSeconds = NewHistogramWithBuckets("limit_commit_seconds", "Limit-window commit latency", CommitBuckets)
	LimitRefillReadsTotal = NewCounter("limit_refill_reads_total", "Refill reads issued by limit commits")

	Feeds = NewGauge("feeds", "Live per-table feeds on this node")
	Subscriptions = NewGauge("subscriptions", "Live subscriptions across all feeds")
	OverflowTotal = NewCounter("overflow_total", "Subscriptions terminated by queue overflow")
	ReorderedTotal = NewCounter("reordered_total", "Messages buffered out of order")
	StaleDropsTotal = NewCounter("stale_drops_total", "Messages dropped for stale stamps")
	FeedFailuresTotal = NewCounter("feed_failures_total", "Feeds declared broken")
}
