package pool

var (
	MetricPoolQueueLen          = []string{"particula", "pool", "queue", "length"}
	MetricPoolSentBytes         = []string{"particula", "pool", "sent", "bytes"}
	MetricPoolSendErrorCount    = []string{"particula", "pool", "send", "error", "count"}
	MetricPoolSendRejectedCount = []string{"particula", "pool", "send", "rejected", "count"}
	MetricPoolDialCount         = []string{"particula", "pool", "dial", "count"}
	MetricPoolDialErrorCount    = []string{"particula", "pool", "dial", "error", "count"}
	MetricPoolUnreachableCount  = []string{"particula", "pool", "unreachable", "count"}
	MetricPoolDroppedCount      = []string{"particula", "pool", "dropped", "count"}
	MetricPoolExpiredCount      = []string{"particula", "pool", "expired", "count"}
	MetricPoolReceiveBytes      = []string{"particula", "pool", "receive", "bytes"}
	MetricPoolReceiveErrorCount = []string{"particula", "pool", "receive", "error", "count"}
)
