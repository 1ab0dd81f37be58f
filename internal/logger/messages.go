package logger

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigWarning       = "Config: %s"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgDaemonPanic         = "Panic recovered in daemon: %v"
	MsgAppStarting         = "Starting %s... (PID: %d)"
	MsgAppShutdown         = "Shutting down %s..."
	MsgAppKillingOld       = "Killing running instance... (PID: %d)"
	MsgAppOldTerminated    = "Old instance terminated."
	MsgGenericError        = "%v"

	// --- Cache ---
	MsgCachePromoted      = "Cached %s (%s)"
	MsgCacheWriteFailed   = "Cache write failed for %s: %v"
	MsgCacheRenameFailed  = "Failed to promote %s: %v"
	MsgCacheDeferRemove   = "Deferring removal of %s until readers close"
	MsgCacheRemoved       = "Removed cache entry %s"
	MsgCacheSweepSummary  = "Sweep checked %d, broken %d, skipped %d, fixed %d"
	MsgCacheSweepBroken   = "Broken cache entry %s: %v"
	MsgCacheAliasFailed   = "Failed to register aliases for %s: %v"
	MsgCacheIntegrityMiss = "Cached file for %s failed validation, refetching: %v"

	// --- Resolver ---
	MsgResolverBlocked      = "Provider %s blocked until %s: %v"
	MsgResolverSkipBlocked  = "Provider %s is cooling down, skipping until %s"
	MsgResolverAttemptError = "Provider %s failed for %q: %v"
	MsgResolverRejected     = "Provider %s candidate %q rejected: %s"
	MsgResolverResolved     = "Resolved %q -> %s via %s"
	MsgResolverAliasFailed  = "Failed to persist aliases for %s: %v"

	// --- Download ---
	MsgDownloadStarted   = "Downloading %s for %s (attempt %s)"
	MsgDownloadFinished  = "Downloaded %s in %s"
	MsgDownloadFailed    = "Download of %s failed: %v"
	MsgDownloadCancelled = "Cancelled downloads for %s"

	// --- Playback ---
	MsgPlaybackNowPlaying   = "Playing %s (%s) in %s from %s"
	MsgPlaybackFailed       = "Playback of %s failed (%d/%d): %v"
	MsgPlaybackSkipped      = "Skipping %s after %d failed attempts"
	MsgPlaybackIdle         = "Session %s is idle"
	MsgPlaybackDisconnect   = "Session %s disconnected: %s"
	MsgPlaybackConnectSlow  = "Output for %s not ready after %s, starting anyway"
	MsgPlaybackRecommendErr = "Recommendation failed for %s: %v"
	MsgPlaybackMetadataErr  = "Metadata lookup failed for %s: %v"
	MsgPlaybackPanic        = "CRITICAL: session %s loop panic recovered: %v"
	MsgPlaybackManualSkip   = "Skip requested in %s"
)
