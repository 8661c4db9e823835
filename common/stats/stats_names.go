package stats

const (
	/****************************** Queue metrics ***************************************/
	// The number of Pending jobs in the queue
	QueuePendingGauge = "queuePendingGauge"

	// The current queue generation. Plans stamped with an older generation are stale.
	QueueGenerationGauge = "queueGenerationGauge"

	// 1 while the queue is paused, 0 otherwise
	QueuePausedGauge = "queuePausedGauge"

	// Counters for queue mutations
	QueueEnqueuedCounter  = "queueEnqueuedCounter"
	QueueCancelledCounter = "queueCancelledCounter"
	QueueRestoredCounter  = "queueRestoredCounter"

	/****************************** Planner metrics *************************************/
	// Number of Analyze calls and the plans they produced
	PlannerAnalyzeCounter = "plannerAnalyzeCounter"
	PlannerBatchesGauge   = "plannerBatchesGauge"
	PlannerMixedCounter   = "plannerMixedBatchesCounter"

	// Average estimated speedup of the last plan
	PlannerSpeedupGauge = "plannerSpeedupGaugeFloat"

	// Time spent analyzing the queue
	PlannerAnalyzeLatency_ms = "plannerAnalyzeLatency_ms"

	/****************************** Orchestrator metrics ********************************/
	// Plans rejected because the queue moved on since analysis
	OrchestratorStalePlanCounter = "orchestratorStalePlanCounter"

	// Plans rejected because the queue is paused
	OrchestratorPausedPlanCounter = "orchestratorPausedPlanCounter"

	// Batch outcomes
	BatchStartedCounter   = "batchStartedCounter"
	BatchSucceededCounter = "batchSucceededCounter"
	BatchFailedCounter    = "batchFailedCounter"

	// Number of batches currently inside a pipeline
	BatchRunningGauge = "batchRunningGauge"

	// Job outcomes. Failed jobs are also counted per error kind under JobFailedCounter/<kind>
	JobCompletedCounter = "jobCompletedCounter"
	JobFailedCounter    = "jobFailedCounter"

	// Transfer retries (attempts after the first)
	UploadRetriesCounter   = "uploadRetriesCounter"
	DownloadRetriesCounter = "downloadRetriesCounter"

	// Time spent in each stage
	BatchUploadLatency_ms   = "batchUploadLatency_ms"
	BatchRunLatency_ms      = "batchRunLatency_ms"
	BatchDownloadLatency_ms = "batchDownloadLatency_ms"

	// Remote process output lines forwarded to the log sink
	LogLinesCounter = "logLinesCounter"

	// Store writes that failed during finalize
	StoreUpdateFailureCounter = "storeUpdateFailureCounter"

	/****************************** Server metrics **************************************/
	ServerSubmitCounter    = "serverSubmitCounter"
	ServerRetryCounter     = "serverRetryCounter"
	ServerAutoRetryCounter = "serverAutoRetryCounter"
	ServerRecoveredCounter = "serverRecoveredCounter"
	ServerOrphanedCounter  = "serverOrphanedCounter"
)
