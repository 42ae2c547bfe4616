package messaging

// Topic constants for the device bridge
const (
	TopicJobs      = "nebula.jobs"      // job source → bridge → device
	TopicShares    = "nebula.shares"    // device → bridge → share consumers
	TopicTelemetry = "nebula.telemetry" // device → bridge → monitoring
)
