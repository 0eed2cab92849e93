package pipeline

var (
	MetricPipelineSubmitCount        = []string{"particula", "pipeline", "submit", "count"}
	MetricPipelineActive             = []string{"particula", "pipeline", "active"}
	MetricPipelineTerminalCount      = []string{"particula", "pipeline", "terminal", "count"}
	MetricPipelineStepDuration       = []string{"particula", "pipeline", "step", "duration", "ms"}
	MetricPipelineResultDroppedCount = []string{"particula", "pipeline", "result", "dropped", "count"}
	MetricPipelineRouteCount         = []string{"particula", "pipeline", "route", "count"}
	MetricPipelineRouteErrorCount    = []string{"particula", "pipeline", "route", "error", "count"}
	MetricPipelineTrapReportCount    = []string{"particula", "pipeline", "trap", "report", "count"}
)
