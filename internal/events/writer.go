// Package events appends to the activity ledger. Activities are insert-only:
// the writer has no update or delete path, and every engine mutation records
// one activity inside the same transaction as the state change.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry is one ledger row to append. Optional fields stay nil.
type Entry struct {
	Action        string
	IndexID       string
	EntityKind    string
	EntityID      string
	ActorID       string
	MaturityLevel *int
	VersionNumber *int
	Comment       string
	Payload       Payload
}

// Append writes one activity row within the caller's transaction, so the
// ledger entry commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activities(ts,action,index_id,entity_kind,entity_id,actor_id,maturity_level,version_number,comment,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, nullable(e.IndexID), e.EntityKind, nullable(e.EntityID), e.ActorID, e.MaturityLevel, e.VersionNumber, nullable(e.Comment), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
