package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeSyncJob = "sync_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeSyncJobFound = "sync_job_found"
	OutcomeIdle         = "idle"

	// HTTP endpoints
	EndpointOAuthConnect     = "oauth_connect"
	EndpointOAuthCallback    = "oauth_callback"
	EndpointWebhook          = "webhook"
	EndpointWebhookVerify    = "webhook_verify"
	EndpointNotifications    = "notifications"
	EndpointNotificationRead = "notification_read"
	EndpointConnection       = "connection"
	EndpointCreateSession    = "create_session"
	EndpointSessionFeedback  = "session_feedback"
	EndpointUnmatched        = "unmatched"
	EndpointHealth           = "health"

	// Strava API operations
	OpExchangeCode       = "exchange_code"
	OpRefreshToken       = "refresh_token"
	OpGetActivity        = "get_activity"
	OpListActivities     = "list_activities"
	OpCreateSubscription = "create_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListSubscriptions  = "list_subscriptions"

	// Rate limit types
	RateLimitOverall15Min = "overall_15min"
	RateLimitOverallDaily = "overall_daily"
	RateLimitRead15Min    = "read_15min"
	RateLimitReadDaily    = "read_daily"

	// Rate limit buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Token refresh results
	RefreshNotNeeded = "not_needed"
	RefreshSucceeded = "refreshed"
	RefreshFailed    = "failed"

	// Database operations
	DBOpGetConnection          = "get_connection"
	DBOpGetConnectionByAthlete = "get_connection_by_athlete"
	DBOpUpsertConnection       = "upsert_connection"
	DBOpUpdateTokens           = "update_tokens"
	DBOpUpdateSyncStatus       = "update_sync_status"
	DBOpOpenSyncLog            = "open_sync_log"
	DBOpCloseSyncLog           = "close_sync_log"
	DBOpFindDuplicate          = "find_duplicate"
	DBOpUpsertSession          = "upsert_session"
	DBOpCreateSession          = "create_session"
	DBOpSoftDeleteSessions     = "soft_delete_sessions"
	DBOpFindPlannedSessions    = "find_planned_sessions"
	DBOpFindAthletesByName     = "find_athletes_by_name"
	DBOpRecordUnmatched        = "record_unmatched"
	DBOpCreateNotification     = "create_notification"
	DBOpListNotifications      = "list_notifications"
	DBOpMarkNotificationRead   = "mark_notification_read"
	DBOpEnqueueSyncJob         = "enqueue_sync_job"
	DBOpClaimSyncJob           = "claim_sync_job"
	DBOpDeleteSyncJob          = "delete_sync_job"
	DBOpReleaseSyncJob         = "release_sync_job"
	DBOpAwardMilestones        = "award_milestones"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the worker is currently active (1) or not (0)",
		},
	)

	ScheduledBackfillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_backfills_total",
			Help: "Total number of backfill jobs enqueued by the scheduler",
		},
	)
)

// Strava API Metrics
var (
	StravaAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strava_api_requests_total",
			Help: "Total number of Strava API requests",
		},
		[]string{"operation", "status_code"},
	)

	StravaAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strava_api_request_duration_seconds",
			Help:    "Strava API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	StravaRateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strava_rate_limit_usage",
			Help: "Strava API rate limit usage",
		},
		[]string{"limit_type", "bucket"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	WebhookEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Total number of webhook events received by aspect type",
		},
		[]string{"aspect_type"},
	)

	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "Total number of reconciliations by sync source and terminal status",
		},
		[]string{"source", "status"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_total",
			Help: "Total number of matcher decisions by method",
		},
		[]string{"method"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Total number of access token lookups by refresh result",
		},
		[]string{"result"},
	)

	SyncJobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_completed_total",
			Help: "Total number of sync jobs completed",
		},
		[]string{"job_type"},
	)

	BackfillActivitiesCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backfill_activities_count",
			Help:    "Number of activities imported per backfill job",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	MilestonesAwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "milestones_awarded_total",
			Help: "Total number of milestones awarded",
		},
	)
)
