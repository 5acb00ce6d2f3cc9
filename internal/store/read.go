package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

const selectMutation = `
	SELECT id, site_id, resource_type, resource_key, instance_key, action, payload,
	       attachments_ref, baseline, created_at, modified_at, seq
	FROM pending_mutations
`

// orderByCreation is appended to every multi-row read: oldest first, seq
// breaks ties within the same millisecond, id makes the order total.
const orderByCreation = ` ORDER BY created_at ASC, seq ASC, id COLLATE BINARY ASC`

// Get returns the pending mutation with the given key.
// Returns model.ErrNotFound if there is none.
func (s *Store) Get(ctx context.Context, key model.Key) (model.PendingMutation, error) {
	m, err := scanMutation(s.db.QueryRowContext(ctx, selectMutation+`
		WHERE site_id = ? AND resource_type = ? AND resource_key = ? AND instance_key = ?
	`, key.SiteID, key.ResourceType, key.ResourceKey, key.InstanceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingMutation{}, model.ErrNotFound
	}
	if err != nil {
		return model.PendingMutation{}, model.Storage("get pending", err)
	}
	return m, nil
}

// List returns pending mutations matching f in creation order.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) List(ctx context.Context, f model.Filter) ([]model.PendingMutation, error) {
	where, args := filterClause(f)
	rows, err := s.db.QueryContext(ctx, selectMutation+where+orderByCreation, args...)
	if err != nil {
		return nil, model.Storage("list pending", err)
	}
	defer rows.Close()

	mutations := []model.PendingMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, model.Storage("list pending", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage("list pending", err)
	}
	return mutations, nil
}

// Count returns the number of pending mutations matching f.
func (s *Store) Count(ctx context.Context, f model.Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`+where, args...).Scan(&n); err != nil {
		return 0, model.Storage("count pending", err)
	}
	return n, nil
}

// HasAny reports whether ref has at least one pending mutation.
func (s *Store) HasAny(ctx context.Context, ref model.ResourceRef) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pending_mutations
			WHERE site_id = ? AND resource_type = ? AND resource_key = ?
		)
	`, ref.SiteID, ref.ResourceType, ref.ResourceKey).Scan(&exists)
	if err != nil {
		return false, model.Storage("has pending", err)
	}
	return exists == 1, nil
}

// Resources returns the distinct resources with pending work. Empty siteID
// or resourceType match any value. Ordered by the oldest pending mutation
// of each resource so older work is scheduled first.
func (s *Store) Resources(ctx context.Context, siteID, resourceType string) ([]model.ResourceRef, error) {
	where, args := filterClause(model.Filter{SiteID: siteID, ResourceType: resourceType})
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, resource_type, resource_key
		FROM pending_mutations`+where+`
		GROUP BY site_id, resource_type, resource_key
		ORDER BY MIN(created_at) ASC, MIN(seq) ASC
	`, args...)
	if err != nil {
		return nil, model.Storage("list resources", err)
	}
	defer rows.Close()

	refs := []model.ResourceRef{}
	for rows.Next() {
		var r model.ResourceRef
		if err := rows.Scan(&r.SiteID, &r.ResourceType, &r.ResourceKey); err != nil {
			return nil, model.Storage("list resources", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage("list resources", err)
	}
	return refs, nil
}

// Sites returns the ids of all sites with pending work, sorted.
func (s *Store) Sites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT site_id FROM pending_mutations ORDER BY site_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, model.Storage("list sites", err)
	}
	defer rows.Close()

	sites := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Storage("list sites", err)
		}
		sites = append(sites, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage("list sites", err)
	}
	return sites, nil
}

// SyncTime returns when ref was last synchronized, or the zero time if never.
func (s *Store) SyncTime(ctx context.Context, ref model.ResourceRef) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT synced_at FROM sync_times
		WHERE site_id = ? AND resource_type = ? AND resource_key = ?
	`, ref.SiteID, ref.ResourceType, ref.ResourceKey).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, model.Storage("get sync time", err)
	}
	return model.FromMillis(ms), nil
}

// filterClause builds a WHERE clause for the non-empty fields of f.
func filterClause(f model.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.SiteID != "" {
		conds = append(conds, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceKey != "" {
		conds = append(conds, "resource_key = ?")
		args = append(args, f.ResourceKey)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (model.PendingMutation, error) {
	var (
		m                               model.PendingMutation
		action, payloadJSON             string
		baseline, createdAt, modifiedAt int64
	)
	err := row.Scan(
		&m.ID,
		&m.Key.SiteID,
		&m.Key.ResourceType,
		&m.Key.ResourceKey,
		&m.Key.InstanceKey,
		&action,
		&payloadJSON,
		&m.AttachmentsRef,
		&baseline,
		&createdAt,
		&modifiedAt,
		&m.Seq,
	)
	if err != nil {
		return model.PendingMutation{}, err
	}

	m.Payload, err = model.UnmarshalPayload([]byte(payloadJSON))
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("row %s: %w", m.ID, err)
	}
	m.Action = model.Action(action)
	m.Baseline = model.FromMillis(baseline)
	m.CreatedAt = model.FromMillis(createdAt)
	m.ModifiedAt = model.FromMillis(modifiedAt)
	return m, nil
}
