package database

// Schema contains all SQL statements for creating tables and indexes.
// Timestamps are unix seconds.
const Schema = `
-- Strava connections: one OAuth credential per coach
CREATE TABLE IF NOT EXISTS strava_connections (
    coach_id TEXT PRIMARY KEY,
    strava_athlete_id INTEGER NOT NULL,

    -- OAuth tokens
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    token_expires_at INTEGER NOT NULL,
    scope TEXT NOT NULL DEFAULT '',

    -- Sync state
    last_sync_at INTEGER,
    last_sync_status TEXT CHECK (last_sync_status IN ('ok', 'token_expired', 'error')),
    last_error TEXT,

    -- Unix nanoseconds of the last OAuth authorization; set only by a connect
    authorized_at INTEGER NOT NULL DEFAULT 0,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Athletes: the club roster
CREATE TABLE IF NOT EXISTS athletes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

-- Sessions: planned and completed runs
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    athlete_id TEXT NOT NULL,
    coach_id TEXT NOT NULL,
    strava_activity_id INTEGER,

    status TEXT NOT NULL CHECK (status IN ('planned', 'completed', 'cancelled')),
    date INTEGER NOT NULL,
    distance_km REAL,
    duration_seconds INTEGER,
    map_polyline TEXT,

    -- Coach-authored fields, never written by sync
    feel INTEGER,
    note TEXT,

    sync_source TEXT NOT NULL CHECK (sync_source IN ('strava_webhook', 'manual', 'backfill')),
    match_method TEXT CHECK (match_method IN ('hashtag', 'schedule', 'manual_review')),
    match_confidence TEXT CHECK (match_confidence IN ('high', 'medium', 'manual')),
    strava_deleted_at INTEGER,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (athlete_id) REFERENCES athletes(id)
);

-- Sync log: one row per inbound delivery
CREATE TABLE IF NOT EXISTS strava_sync_log (
    id TEXT PRIMARY KEY,
    strava_activity_id INTEGER NOT NULL,
    coach_id TEXT NOT NULL,
    event_type TEXT NOT NULL CHECK (event_type IN ('create', 'update', 'delete')),
    event_time INTEGER,
    source TEXT NOT NULL DEFAULT 'strava_webhook',

    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'matched', 'unmatched', 'skipped', 'error')),
    result_session_id TEXT,
    error_message TEXT,
    raw_payload TEXT,

    received_at INTEGER NOT NULL,
    processed_at INTEGER
);

-- Unmatched activities awaiting human resolution
CREATE TABLE IF NOT EXISTS strava_unmatched (
    id TEXT PRIMARY KEY,
    coach_id TEXT NOT NULL,
    strava_activity_id INTEGER NOT NULL,
    activity_data TEXT NOT NULL,

    resolved_at INTEGER,
    resolved_by TEXT,
    resolved_session_id TEXT,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Notifications for coaches; the integer id doubles as the pagination cursor
CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL
        CHECK (type IN ('milestone', 'feel_prompt', 'unmatched_run', 'strava_disconnected', 'general')),
    channel TEXT NOT NULL DEFAULT 'in_app' CHECK (channel IN ('in_app', 'email', 'push')),
    payload TEXT NOT NULL,
    read BOOLEAN NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- Sync jobs: backfill queue with retry tracking
CREATE TABLE IF NOT EXISTS sync_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    coach_id TEXT NOT NULL,
    job_type TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

-- Milestone definitions and awards
CREATE TABLE IF NOT EXISTS milestone_definitions (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    icon TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL CHECK (type IN ('automatic', 'manual')),
    condition TEXT,
    active BOOLEAN NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS milestones (
    id TEXT PRIMARY KEY,
    athlete_id TEXT NOT NULL,
    milestone_definition_id TEXT,
    label TEXT NOT NULL,
    achieved_at INTEGER NOT NULL,
    session_id TEXT,
    awarded_by TEXT,

    FOREIGN KEY (athlete_id) REFERENCES athletes(id)
);

-- Indexes for strava_connections
CREATE INDEX IF NOT EXISTS idx_connections_athlete ON strava_connections(strava_athlete_id);

-- Indexes for athletes
CREATE INDEX IF NOT EXISTS idx_athletes_active ON athletes(active);

-- Indexes for sessions
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_strava_activity
    ON sessions(strava_activity_id) WHERE strava_activity_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sessions_coach_status_date ON sessions(coach_id, status, date);
CREATE INDEX IF NOT EXISTS idx_sessions_athlete_status ON sessions(athlete_id, status);

-- Indexes for strava_sync_log
CREATE INDEX IF NOT EXISTS idx_sync_log_activity ON strava_sync_log(strava_activity_id, event_type, status);
CREATE INDEX IF NOT EXISTS idx_sync_log_coach ON strava_sync_log(coach_id, received_at DESC);

-- Indexes for strava_unmatched
CREATE INDEX IF NOT EXISTS idx_unmatched_coach_activity ON strava_unmatched(coach_id, strava_activity_id);

-- Indexes for notifications
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, id DESC);

-- Indexes for sync_jobs
CREATE INDEX IF NOT EXISTS idx_sync_jobs_ready ON sync_jobs(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_coach ON sync_jobs(coach_id, job_type);

-- Indexes for milestones
CREATE UNIQUE INDEX IF NOT EXISTS idx_milestones_athlete_definition
    ON milestones(athlete_id, milestone_definition_id) WHERE milestone_definition_id IS NOT NULL;
`
