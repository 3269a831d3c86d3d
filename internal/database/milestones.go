package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// MilestoneCondition is the rule attached to an automatic definition
type MilestoneCondition struct {
	Metric    string   `json:"metric"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// MilestoneDefinition describes an award athletes can earn
type MilestoneDefinition struct {
	ID        string
	Label     string
	Icon      string
	Type      string
	Condition *MilestoneCondition
	Active    bool
}

// Milestone is an award earned by an athlete
type Milestone struct {
	ID                    string
	AthleteID             string
	MilestoneDefinitionID *string
	Label                 string
	AchievedAt            time.Time
	SessionID             *string
	AwardedBy             *string
}

// CreateMilestoneDefinition inserts a definition, assigning an ID when d.ID is empty
func (db *DB) CreateMilestoneDefinition(ctx context.Context, d *MilestoneDefinition) error {
	if d.ID == "" {
		d.ID = newID()
	}
	var condition *string
	if d.Condition != nil {
		b, err := json.Marshal(d.Condition)
		if err != nil {
			return fmt.Errorf("failed to marshal milestone condition: %w", err)
		}
		s := string(b)
		condition = &s
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO milestone_definitions (id, label, icon, type, condition, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Label, d.Icon, d.Type, condition, d.Active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create milestone definition: %w", err)
	}
	return nil
}

// ListActiveAutomaticDefinitions returns the definitions the evaluator applies
func (db *DB) ListActiveAutomaticDefinitions(ctx context.Context) ([]*MilestoneDefinition, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, label, icon, type, condition, active
		FROM milestone_definitions
		WHERE active = 1 AND type = 'automatic'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestone definitions: %w", err)
	}
	defer rows.Close()

	var defs []*MilestoneDefinition
	for rows.Next() {
		var d MilestoneDefinition
		var condition *string
		if err := rows.Scan(&d.ID, &d.Label, &d.Icon, &d.Type, &condition, &d.Active); err != nil {
			return nil, fmt.Errorf("failed to scan milestone definition: %w", err)
		}
		if condition != nil {
			var c MilestoneCondition
			// A malformed condition leaves the definition inert
			if err := json.Unmarshal([]byte(*condition), &c); err == nil {
				d.Condition = &c
			}
		}
		defs = append(defs, &d)
	}
	return defs, rows.Err()
}

// ListEarnedDefinitionIDs returns the definition IDs the athlete already holds
func (db *DB) ListEarnedDefinitionIDs(ctx context.Context, athleteID string) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT milestone_definition_id FROM milestones
		WHERE athlete_id = ? AND milestone_definition_id IS NOT NULL
	`, athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list earned milestones: %w", err)
	}
	defer rows.Close()

	earned := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		earned[id] = true
	}
	return earned, rows.Err()
}

// AwardMilestones inserts all awards in one transaction
func (db *DB) AwardMilestones(ctx context.Context, awards []*Milestone) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAwardMilestones))
	defer timer.ObserveDuration()

	err := db.WithTx(ctx, func(tx *Tx) error {
		for _, m := range awards {
			if m.ID == "" {
				m.ID = newID()
			}
			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO milestones (id, athlete_id, milestone_definition_id, label, achieved_at, session_id, awarded_by)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, m.ID, m.AthleteID, m.MilestoneDefinitionID, m.Label, m.AchievedAt.Unix(), m.SessionID, m.AwardedBy); err != nil {
				return fmt.Errorf("failed to insert milestone: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAwardMilestones).Inc()
		return err
	}
	return nil
}

// ListMilestones returns an athlete's awards in the order earned
func (db *DB) ListMilestones(ctx context.Context, athleteID string) ([]*Milestone, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, athlete_id, milestone_definition_id, label, achieved_at, session_id, awarded_by
		FROM milestones WHERE athlete_id = ?
		ORDER BY achieved_at, rowid
	`, athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	defer rows.Close()

	var out []*Milestone
	for rows.Next() {
		var m Milestone
		var achievedAt int64
		if err := rows.Scan(&m.ID, &m.AthleteID, &m.MilestoneDefinitionID, &m.Label, &achievedAt, &m.SessionID, &m.AwardedBy); err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		m.AchievedAt = time.Unix(achievedAt, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
