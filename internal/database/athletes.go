package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// Athlete is a member of the club roster
type Athlete struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// CreateAthlete inserts a roster entry, assigning an ID when a.ID is empty
func (db *DB) CreateAthlete(ctx context.Context, a *Athlete) error {
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = time.Now().UTC().Truncate(time.Second)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO athletes (id, name, active, created_at) VALUES (?, ?, ?, ?)
	`, a.ID, a.Name, a.Active, a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create athlete: %w", err)
	}
	return nil
}

// GetAthlete retrieves an athlete by ID
func (db *DB) GetAthlete(ctx context.Context, id string) (*Athlete, error) {
	var a Athlete
	var createdAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, active, created_at FROM athletes WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.Active, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get athlete: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// FindActiveAthletesByName returns active athletes whose name contains
// fragment, ignoring ASCII case. LIKE wildcards in fragment match literally.
func (db *DB) FindActiveAthletesByName(ctx context.Context, fragment string) ([]*Athlete, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindAthletesByName))
	defer timer.ObserveDuration()

	pattern := "%" + escapeLike(fragment) + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, active, created_at
		FROM athletes
		WHERE active = 1 AND name LIKE ? ESCAPE '\'
		ORDER BY name
	`, pattern)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindAthletesByName).Inc()
		return nil, fmt.Errorf("failed to find athletes: %w", err)
	}
	defer rows.Close()

	var athletes []*Athlete
	for rows.Next() {
		var a Athlete
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Name, &a.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan athlete: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		athletes = append(athletes, &a)
	}
	return athletes, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
