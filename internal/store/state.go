package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// AddHost inserts or updates a host owned by a loop.
func (s *Store) AddHost(ctx context.Context, loopID int64, hostname string, attrs model.HostAttrs) error {
	if hostname == "" {
		return invalid("host", 0, "hostname is required")
	}
	groups, err := marshalStrings("groups", attrs.Groups)
	if err != nil {
		return fmt.Errorf("add host: %w", err)
	}
	now := toMillis(s.clock.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (loop_id, hostname, address, username, port, group_names, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'unknown', ?)
		ON CONFLICT(loop_id, hostname) DO UPDATE SET
			address = excluded.address,
			username = excluded.username,
			port = excluded.port,
			group_names = excluded.group_names,
			updated_at = excluded.created_at
	`, loopID, hostname, attrs.Address, attrs.User, attrs.Port, groups, now)
	if err != nil {
		return fmt.Errorf("add host %q: %w", hostname, err)
	}
	return nil
}

// AddResource inserts or replaces a named resource owned by a loop.
func (s *Store) AddResource(ctx context.Context, loopID int64, name string, data doc.Object) error {
	if name == "" {
		return invalid("resource", 0, "name is required")
	}
	encoded, err := marshalObject("data", data)
	if err != nil {
		return fmt.Errorf("add resource: %w", err)
	}
	now := toMillis(s.clock.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (loop_id, name, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(loop_id, name) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.created_at
	`, loopID, name, encoded, now)
	if err != nil {
		return fmt.Errorf("add resource %q: %w", name, err)
	}
	return nil
}

// RemoveState deletes the resource and the host with the given name.
// Returns ErrNotFound when neither exists.
func (s *Store) RemoveState(ctx context.Context, loopID int64, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var removed int64
		for _, q := range []string{
			`DELETE FROM resources WHERE loop_id = ? AND name = ?`,
			`DELETE FROM hosts WHERE loop_id = ? AND hostname = ?`,
		} {
			res, err := tx.ExecContext(ctx, q, loopID, name)
			if err != nil {
				return fmt.Errorf("remove %q: %w", name, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("remove %q: %w", name, err)
			}
			removed += n
		}
		if removed == 0 {
			return fmt.Errorf("remove %q: %w", name, ErrNotFound)
		}
		return nil
	})
}

const hostColumns = `
	id, loop_id, hostname, address, username, port, group_names, facts, status, created_at, updated_at`

func scanHost(row scanner) (model.Host, error) {
	var (
		h             model.Host
		groups, facts string
		createdAt     int64
		updatedAt     sql.NullInt64
	)
	err := row.Scan(&h.ID, &h.LoopID, &h.Hostname, &h.Address, &h.User, &h.Port, &groups, &facts, &h.Status, &createdAt, &updatedAt)
	if err != nil {
		return model.Host{}, err
	}
	if h.Groups, err = unmarshalStrings("groups", groups); err != nil {
		return model.Host{}, err
	}
	if h.Facts, err = unmarshalObject("facts", facts); err != nil {
		return model.Host{}, err
	}
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = timePtr(updatedAt)
	return h, nil
}

// ListHosts returns a loop's hosts ordered by hostname.
func (s *Store) ListHosts(ctx context.Context, loopID int64) ([]model.Host, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+hostColumns+` FROM hosts WHERE loop_id = ? ORDER BY hostname ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	return collect(rows, "hosts", scanHost)
}

// GetHost retrieves one host of a loop by hostname.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetHost(ctx context.Context, loopID int64, hostname string) (model.Host, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+hostColumns+` FROM hosts WHERE loop_id = ? AND hostname = ?
	`, loopID, hostname)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Host{}, fmt.Errorf("host %q: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return model.Host{}, fmt.Errorf("get host %q: %w", hostname, err)
	}
	return h, nil
}

func scanResource(row scanner) (model.Resource, error) {
	var (
		r         model.Resource
		data      string
		createdAt int64
		updatedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.LoopID, &r.Name, &data, &createdAt, &updatedAt)
	if err != nil {
		return model.Resource{}, err
	}
	if r.Data, err = unmarshalObject("data", data); err != nil {
		return model.Resource{}, err
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = timePtr(updatedAt)
	return r, nil
}

// ListResources returns a loop's resources ordered by name.
func (s *Store) ListResources(ctx context.Context, loopID int64) ([]model.Resource, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, loop_id, name, data, created_at, updated_at
		FROM resources WHERE loop_id = ? ORDER BY name ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	return collect(rows, "resources", scanResource)
}

// LoopState is the declarative-state view of one loop, backed by the hosts
// and resources tables.
type LoopState struct {
	store  *Store
	loopID int64
}

// LoopState returns the declarative-state view of a loop.
func (s *Store) LoopState(loopID int64) *LoopState {
	return &LoopState{store: s, loopID: loopID}
}

// AddResource stores or replaces a named resource.
func (ls *LoopState) AddResource(ctx context.Context, name string, data doc.Object) error {
	return ls.store.AddResource(ctx, ls.loopID, name, data)
}

// AddHost stores or updates a host.
func (ls *LoopState) AddHost(ctx context.Context, name string, attrs model.HostAttrs) error {
	return ls.store.AddHost(ctx, ls.loopID, name, attrs)
}

// Remove deletes the resource or host with the given name.
func (ls *LoopState) Remove(ctx context.Context, name string) error {
	return ls.store.RemoveState(ctx, ls.loopID, name)
}

// Resources returns resource data keyed by name.
func (ls *LoopState) Resources(ctx context.Context) (map[string]doc.Object, error) {
	list, err := ls.store.ListResources(ctx, ls.loopID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]doc.Object, len(list))
	for _, r := range list {
		out[r.Name] = r.Data
	}
	return out, nil
}

// Hosts returns the loop's hostnames in order.
func (ls *LoopState) Hosts(ctx context.Context) ([]string, error) {
	list, err := ls.store.ListHosts(ctx, ls.loopID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(list))
	for i, h := range list {
		names[i] = h.Hostname
	}
	return names, nil
}

// GetHost returns one host by name.
func (ls *LoopState) GetHost(ctx context.Context, name string) (model.Host, error) {
	return ls.store.GetHost(ctx, ls.loopID, name)
}
