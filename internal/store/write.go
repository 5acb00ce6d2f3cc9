package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Save upserts a pending mutation by its composite key and returns the stored row.
//
// A new key inserts a row with the next seq. An existing key is amended in
// place: action, payload, attachments ref and modified_at are replaced; id,
// created_at and seq are kept; the baseline is kept unless the stored one is
// unknown (zero). Last writer wins at the granularity of one key.
func (s *Store) Save(ctx context.Context, m model.PendingMutation) (model.PendingMutation, error) {
	if err := m.Key.Validate(); err != nil {
		return model.PendingMutation{}, fmt.Errorf("save pending: %w", err)
	}
	if m.ID == "" {
		return model.PendingMutation{}, errors.New("save pending: id is required")
	}
	if m.Action == "" {
		return model.PendingMutation{}, errors.New("save pending: action is required")
	}

	payloadJSON, err := model.MarshalCanonical(map[string]any(m.Payload))
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("save pending: %w", err)
	}

	created := m.CreatedAt
	if created.IsZero() {
		created = m.ModifiedAt
	}

	var saved model.PendingMutation
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_mutations
			(id, site_id, resource_type, resource_key, instance_key, action, payload,
			 attachments_ref, baseline, created_at, modified_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			        (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_mutations))
			ON CONFLICT(site_id, resource_type, resource_key, instance_key) DO UPDATE SET
				action          = excluded.action,
				payload         = excluded.payload,
				attachments_ref = excluded.attachments_ref,
				baseline        = CASE WHEN pending_mutations.baseline = 0
				                       THEN excluded.baseline
				                       ELSE pending_mutations.baseline END,
				modified_at     = excluded.modified_at
		`,
			m.ID,
			m.Key.SiteID,
			m.Key.ResourceType,
			m.Key.ResourceKey,
			m.Key.InstanceKey,
			string(m.Action),
			string(payloadJSON),
			m.AttachmentsRef,
			model.ToMillis(m.Baseline),
			model.ToMillis(created),
			model.ToMillis(m.ModifiedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}

		saved, err = scanMutation(tx.QueryRowContext(ctx, selectMutation+`
			WHERE site_id = ? AND resource_type = ? AND resource_key = ? AND instance_key = ?
		`, m.Key.SiteID, m.Key.ResourceType, m.Key.ResourceKey, m.Key.InstanceKey))
		if err != nil {
			return fmt.Errorf("read back: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.PendingMutation{}, model.Storage("save pending", err)
	}

	return saved, nil
}

// Delete removes the pending mutation with the given key.
// Returns false (and no error) if no such row exists.
func (s *Store) Delete(ctx context.Context, key model.Key) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations
		WHERE site_id = ? AND resource_type = ? AND resource_key = ? AND instance_key = ?
	`, key.SiteID, key.ResourceType, key.ResourceKey, key.InstanceKey)
	if err != nil {
		return false, model.Storage("delete pending", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, model.Storage("delete pending", err)
	}
	return n > 0, nil
}

// RekeyResource moves every pending mutation of siteID whose resource key is
// oldKey to newKey, across all resource types. Used when a resource created
// offline under a placeholder receives its server id.
//
// Returns the keys of the moved rows as they were before the move.
func (s *Store) RekeyResource(ctx context.Context, siteID, oldKey, newKey string) ([]model.Key, error) {
	if oldKey == newKey {
		return []model.Key{}, nil
	}

	var moved []model.Key
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT resource_type, instance_key
			FROM pending_mutations
			WHERE site_id = ? AND resource_key = ?
			ORDER BY created_at ASC, seq ASC
		`, siteID, oldKey)
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			k := model.Key{SiteID: siteID, ResourceKey: oldKey}
			if err := rows.Scan(&k.ResourceType, &k.InstanceKey); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			moved = append(moved, k)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations SET resource_key = ?
			WHERE site_id = ? AND resource_key = ?
		`, newKey, siteID, oldKey); err != nil {
			return fmt.Errorf("update: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_times WHERE site_id = ? AND resource_key = ?
		`, siteID, oldKey); err != nil {
			return fmt.Errorf("clear sync times: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, model.Storage("rekey resource", err)
	}

	if moved == nil {
		moved = []model.Key{}
	}
	return moved, nil
}

// DeleteSite removes every pending mutation and sync time of a site in one
// transaction. Returns the number of pending mutations removed.
func (s *Store) DeleteSite(ctx context.Context, siteID string) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE site_id = ?`, siteID)
		if err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		removed, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_times WHERE site_id = ?`, siteID); err != nil {
			return fmt.Errorf("delete sync times: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, model.Storage("delete site", err)
	}
	return removed, nil
}

// SetSyncTime records when ref was last synchronized.
func (s *Store) SetSyncTime(ctx context.Context, ref model.ResourceRef, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_times (site_id, resource_type, resource_key, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_id, resource_type, resource_key) DO UPDATE SET
			synced_at = excluded.synced_at
	`, ref.SiteID, ref.ResourceType, ref.ResourceKey, model.ToMillis(t))
	if err != nil {
		return model.Storage("set sync time", err)
	}
	return nil
}

// SetAttachmentsRef points the mutation with the given key at a new staging
// folder. Returns model.ErrNotFound if there is no such row.
func (s *Store) SetAttachmentsRef(ctx context.Context, key model.Key, ref string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET attachments_ref = ?
		WHERE site_id = ? AND resource_type = ? AND resource_key = ? AND instance_key = ?
	`, ref, key.SiteID, key.ResourceType, key.ResourceKey, key.InstanceKey)
	if err != nil {
		return model.Storage("set attachments ref", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.Storage("set attachments ref", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// AdvanceBaseline raises the baseline of every mutation of ref that has one
// older than t. Called after a sync pass writes to the resource, so the
// pass's own write is not seen as a conflict by mutations still pending.
// Returns the number of rows changed.
func (s *Store) AdvanceBaseline(ctx context.Context, ref model.ResourceRef, t time.Time) (int64, error) {
	ms := model.ToMillis(t)
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET baseline = ?
		WHERE site_id = ? AND resource_type = ? AND resource_key = ?
		  AND baseline > 0 AND baseline < ?
	`, ms, ref.SiteID, ref.ResourceType, ref.ResourceKey, ms)
	if err != nil {
		return 0, model.Storage("advance baseline", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.Storage("advance baseline", err)
	}
	return n, nil
}

// FillBaseline sets the baseline of every mutation of ref queued without
// one to t. Mutations that already have a baseline are untouched. Returns
// the number of rows changed.
func (s *Store) FillBaseline(ctx context.Context, ref model.ResourceRef, t time.Time) (int64, error) {
	if t.IsZero() {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET baseline = ?
		WHERE site_id = ? AND resource_type = ? AND resource_key = ?
		  AND baseline = 0
	`, model.ToMillis(t), ref.SiteID, ref.ResourceType, ref.ResourceKey)
	if err != nil {
		return 0, model.Storage("fill baseline", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.Storage("fill baseline", err)
	}
	return n, nil
}
