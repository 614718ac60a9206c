// Package directory synchronises contacts, media, rules, blackholes and check tags
// from PostgreSQL into the record store, compiling rules into per-check routes.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"

	"github.com/lib/pq"
)

// Snapshot is the directory as read from the database.
type Snapshot struct {
	Contacts   []*model.Contact
	Media      []*model.Medium
	Rules      []*model.Rule
	Blackholes []*model.Blackhole
	// CheckTags maps a check name to its tags.
	CheckTags map[string][]string
}

// Loader reads a directory snapshot.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// DB wraps a database connection and reads the directory tables.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection using the provided DSN.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// Load reads every directory table.
func (db *DB) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Contacts, err = db.contacts(ctx); err != nil {
		return nil, err
	}
	if snap.Media, err = db.media(ctx); err != nil {
		return nil, err
	}
	if snap.Rules, err = db.rules(ctx); err != nil {
		return nil, err
	}
	if snap.Blackholes, err = db.blackholes(ctx); err != nil {
		return nil, err
	}
	if snap.CheckTags, err = db.checkTags(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (db *DB) contacts(ctx context.Context) ([]*model.Contact, error) {
	query := `
		SELECT contact_id, name, timezone
		FROM contacts
		ORDER BY contact_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		var (
			c  model.Contact
			tz sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &tz); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.Timezone = tz.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (db *DB) media(ctx context.Context) ([]*model.Medium, error) {
	query := `
		SELECT medium_id, contact_id, transport, address, interval_seconds, rollup_threshold
		FROM media
		ORDER BY medium_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var out []*model.Medium
	for rows.Next() {
		var m model.Medium
		if err := rows.Scan(&m.ID, &m.ContactID, &m.Transport, &m.Address, &m.Interval, &m.RollupThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan medium: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (db *DB) rules(ctx context.Context) ([]*model.Rule, error) {
	query := `
		SELECT rule_id, contact_id, name, conditions, tags, medium_ids, time_restrictions
		FROM rules
		WHERE enabled = TRUE
		ORDER BY rule_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		var (
			r            model.Rule
			name         sql.NullString
			restrictions []byte
		)
		if err := rows.Scan(
			&r.ID,
			&r.ContactID,
			&name,
			pq.Array(&r.Conditions),
			pq.Array(&r.Tags),
			pq.Array(&r.MediumIDs),
			&restrictions,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Name = name.String
		if len(restrictions) > 0 {
			if err := json.Unmarshal(restrictions, &r.TimeRestrictions); err != nil {
				return nil, fmt.Errorf("rule %s has malformed time restrictions: %w", r.ID, err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (db *DB) blackholes(ctx context.Context) ([]*model.Blackhole, error) {
	query := `
		SELECT blackhole_id, contact_id, conditions, tags, medium_ids
		FROM blackholes
		ORDER BY blackhole_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query blackholes: %w", err)
	}
	defer rows.Close()

	var out []*model.Blackhole
	for rows.Next() {
		var (
			b          model.Blackhole
			conditions []string
		)
		if err := rows.Scan(&b.ID, &b.ContactID, pq.Array(&conditions), pq.Array(&b.Tags), pq.Array(&b.MediumIDs)); err != nil {
			return nil, fmt.Errorf("failed to scan blackhole: %w", err)
		}
		b.ConditionsList = model.ConditionsList(conditions)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (db *DB) checkTags(ctx context.Context) (map[string][]string, error) {
	query := `
		SELECT check_name, tags
		FROM check_tags
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query check tags: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var (
			name string
			tags []string
		)
		if err := rows.Scan(&name, pq.Array(&tags)); err != nil {
			return nil, fmt.Errorf("failed to scan check tags: %w", err)
		}
		out[name] = tags
	}
	return out, rows.Err()
}
