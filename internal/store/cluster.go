package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qakka/qakka/internal/qerrors"
)

// ClusterNodeRecord is the durable form of internal/cluster.Node — the
// cluster package's richer struct round-trips through this one as an
// opaque JSONB blob, with last_heartbeat broken out as its own column so
// ListActiveClusterNodes can order/filter without unmarshaling every row.
type ClusterNodeRecord struct {
	ID            string          `json:"id"`
	Data          json.RawMessage `json:"data"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// UpsertClusterNode inserts or updates a cluster node's serialized state.
func (s *PostgresStore) UpsertClusterNode(ctx context.Context, id string, data json.RawMessage, heartbeat time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_nodes (id, data, last_heartbeat)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, id, data, heartbeat)
	if err != nil {
		return fmt.Errorf("upsert cluster node: %w", err)
	}
	return nil
}

// UpdateClusterNodeHeartbeat bumps last_heartbeat without rewriting data.
func (s *PostgresStore) UpdateClusterNodeHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cluster_nodes SET last_heartbeat = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("update cluster node heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return qerrors.NotFound
	}
	return nil
}

func (s *PostgresStore) GetClusterNode(ctx context.Context, id string) (*ClusterNodeRecord, error) {
	rec := &ClusterNodeRecord{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT data, last_heartbeat FROM cluster_nodes WHERE id = $1`, id).
		Scan(&rec.Data, &rec.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("get cluster node: %w", err)
	}
	return rec, nil
}

// ListActiveClusterNodes returns nodes heartbeated since cutoff, newest
// first — the pool Registry.SyncFromStore draws from.
func (s *PostgresStore) ListActiveClusterNodes(ctx context.Context, cutoff time.Time) ([]*ClusterNodeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, last_heartbeat FROM cluster_nodes
		WHERE last_heartbeat >= $1
		ORDER BY last_heartbeat DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list active cluster nodes: %w", err)
	}
	defer rows.Close()

	var out []*ClusterNodeRecord
	for rows.Next() {
		var rec ClusterNodeRecord
		if err := rows.Scan(&rec.ID, &rec.Data, &rec.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan cluster node: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteClusterNode(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cluster_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cluster node: %w", err)
	}
	return nil
}
