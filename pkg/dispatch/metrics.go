package dispatch

var (
	MetricDispatchCallCount        = []string{"particula", "dispatch", "call", "count"}
	MetricDispatchCallDuration     = []string{"particula", "dispatch", "call", "duration", "ms"}
	MetricDispatchRemoteCount      = []string{"particula", "dispatch", "remote", "count"}
	MetricDispatchRemoteErrorCount = []string{"particula", "dispatch", "remote", "error", "count"}
)
