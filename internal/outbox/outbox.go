// Package outbox spools status-change telemetry into a workspace sqlite
// database. The external sync layer drains the spool later; the write path
// treats every outbox failure as non-fatal.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS wp_status_changes (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	feature TEXT NOT NULL,
	wp TEXT NOT NULL,
	from_lane TEXT NOT NULL,
	to_lane TEXT NOT NULL,
	actor TEXT NOT NULL,
	policy_json TEXT,
	delivered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_wp_status_changes_delivered ON wp_status_changes(delivered, ts);
`

// Record is one spooled telemetry entry.
type Record struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Feature   string         `json:"feature"`
	WP        string         `json:"wp"`
	FromLane  string         `json:"from_lane"`
	ToLane    string         `json:"to_lane"`
	Actor     string         `json:"actor"`
	Policy    map[string]any `json:"policy,omitempty"`
	Delivered bool           `json:"delivered"`
}

type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

// Path returns the spool database path inside the workspace state directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".laneline", "outbox.db")
}

// Open opens the workspace outbox and ensures its schema. The `.laneline`
// state directory is created on first use.
func Open(workspace string) (*Outbox, error) {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("outbox schema: %w", err)
	}
	return &Outbox{DB: conn, Now: time.Now}, nil
}

func (o *Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Close releases the underlying database handle.
func (o *Outbox) Close() error { return o.DB.Close() }

// EmitWPStatusChanged spools one status-change record for later delivery.
func (o *Outbox) EmitWPStatusChanged(wpID, fromLane, toLane, actor, featureSlug string, policy map[string]any) error {
	var policyJSON any
	if len(policy) > 0 {
		data, err := json.Marshal(policy)
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}
		policyJSON = string(data)
	}
	_, err := o.DB.ExecContext(context.Background(),
		`INSERT INTO wp_status_changes(id,ts,feature,wp,from_lane,to_lane,actor,policy_json) VALUES (?,?,?,?,?,?,?,?)`,
		uuid.New().String(), o.now().UTC().Format(time.RFC3339), featureSlug, wpID, fromLane, toLane, actor, policyJSON)
	return err
}

// List returns spooled records, oldest first. When undeliveredOnly is set,
// already-drained records are excluded.
func (o *Outbox) List(ctx context.Context, undeliveredOnly bool) ([]Record, error) {
	q := `SELECT id,ts,feature,wp,from_lane,to_lane,actor,policy_json,delivered FROM wp_status_changes`
	if undeliveredOnly {
		q += ` WHERE delivered=0`
	}
	q += ` ORDER BY ts, id`
	rows, err := o.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var policyJSON sql.NullString
		var delivered int
		if err := rows.Scan(&r.ID, &r.TS, &r.Feature, &r.WP, &r.FromLane, &r.ToLane, &r.Actor, &policyJSON, &delivered); err != nil {
			return nil, err
		}
		if policyJSON.Valid && policyJSON.String != "" {
			if err := json.Unmarshal([]byte(policyJSON.String), &r.Policy); err != nil {
				return nil, fmt.Errorf("record %s policy: %w", r.ID, err)
			}
		}
		r.Delivered = delivered != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDelivered flags records as drained by the sync layer.
func (o *Outbox) MarkDelivered(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := o.DB.ExecContext(ctx, `UPDATE wp_status_changes SET delivered=1 WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

// Purge deletes delivered records and returns how many were removed.
func (o *Outbox) Purge(ctx context.Context) (int64, error) {
	res, err := o.DB.ExecContext(ctx, `DELETE FROM wp_status_changes WHERE delivered=1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
