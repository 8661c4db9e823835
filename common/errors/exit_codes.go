package errors

type ExitCode int

const (
	// Bad flags, unreadable config or jobs file
	UsageExitCode ExitCode = 64

	ConfigFailureExitCode ExitCode = 70

	// Store could not be opened or recovered
	StoreFailureExitCode ExitCode = 80

	// Submitting the jobs file failed
	SubmitFailureExitCode ExitCode = 90

	// The plan was rejected (stale or paused)
	PlanRejectedExitCode ExitCode = 100

	// The plan ran, but some jobs did not complete
	JobsFailedExitCode ExitCode = 110
)
