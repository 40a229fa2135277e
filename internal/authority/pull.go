package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/protocol"
	"github.com/roach88/learnsync/internal/store"
)

// PullChanges returns every record whose latest change is at or after
// since, or every record when since is nil. ServerTime is read before the
// scan, so a write landing after it is picked up by the next pull.
func (a *Authority) PullChanges(ctx context.Context, since *time.Time) (protocol.PullBundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.offline {
		return protocol.PullBundle{}, protocol.ErrOffline
	}
	if a.failNextPull {
		a.failNextPull = false
		return protocol.PullBundle{}, ErrInjected
	}

	bundle := protocol.PullBundle{ServerTime: a.clock.Now()}
	err := a.store.Transaction(ctx, store.ReadOnly, domain.SyncedEntities, func(tx *store.Tx) error {
		if since == nil {
			return a.snapshot(ctx, tx, &bundle)
		}
		return a.changedSince(ctx, tx, *since, &bundle)
	})
	if err != nil {
		return protocol.PullBundle{}, fmt.Errorf("pull changes: %w", err)
	}

	a.logger.Debug("pull served", "since", since, "rows", bundle.Len())
	return bundle, nil
}

func (a *Authority) snapshot(ctx context.Context, tx *store.Tx, b *protocol.PullBundle) error {
	for _, e := range domain.SyncedEntities {
		if a.omit[e] {
			continue
		}
		rows, err := tx.Table(e).ToArray(ctx)
		if err != nil {
			return err
		}
		b.Mark(e)
		for _, row := range rows {
			if err := b.AddJSON(e, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Authority) changedSince(ctx context.Context, tx *store.Tx, since time.Time, b *protocol.PullBundle) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT entity, key FROM changes
		WHERE changed_at >= ?
		ORDER BY entity COLLATE BINARY, key COLLATE BINARY
	`, since.UnixNano())
	if err != nil {
		return fmt.Errorf("scan change log: %w", err)
	}

	type ref struct {
		entity domain.Entity
		key    string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.entity, &r.key); err != nil {
			rows.Close()
			return fmt.Errorf("scan change: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate change log: %w", err)
	}
	rows.Close()

	// The single connection is free again once rows are closed.
	for _, r := range refs {
		if a.omit[r.entity] {
			continue
		}
		var raw json.RawMessage
		if err := tx.Table(r.entity).Get(ctx, r.key, &raw); err != nil {
			return err
		}
		if err := b.AddJSON(r.entity, raw); err != nil {
			return err
		}
	}
	return nil
}
