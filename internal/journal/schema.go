package journal

import (
	"context"
	"fmt"
)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id                 UUID         PRIMARY KEY,
    session_id         TEXT         NOT NULL,
    original           TEXT         NOT NULL,
    source_language    TEXT         NOT NULL DEFAULT '',
    target_language    TEXT         NOT NULL,
    translation        TEXT         NOT NULL DEFAULT '',
    latency_ns         BIGINT       NOT NULL DEFAULT 0,
    synthesis_skipped  BOOLEAN      NOT NULL DEFAULT false,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_created
    ON utterances (session_id, created_at);
`

// Migrate creates the journal table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlUtterances); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}
