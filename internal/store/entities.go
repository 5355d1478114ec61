package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/jsonlmerge"
)

func entityTable(kind entity.Kind) (string, error) {
	switch kind {
	case entity.KindIssue:
		return "issues", nil
	case entity.KindSpec:
		return "specs", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// UpsertEntity writes one issue or spec into the cache, keyed by uuid.
func (s *Store) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	table, err := entityTable(e.Kind)
	if err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (uuid, id, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET id=excluded.id, payload=excluded.payload,
			updated_at=excluded.updated_at`,
		e.UUID, e.ID, string(payload), e.CreatedAt, e.UpdatedAt)
	return err
}

// GetEntityByID returns the entity with the given human-readable id, or
// sql.ErrNoRows.
func (s *Store) GetEntityByID(ctx context.Context, kind entity.Kind, id string) (*entity.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM `+table+` WHERE id = ? ORDER BY updated_at DESC LIMIT 1`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, err
	}
	e.Kind = kind
	return &e, nil
}

// ListEntities returns all cached entities of a kind sorted by created_at
// then id.
func (s *Store) ListEntities(ctx context.Context, kind entity.Kind) ([]entity.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM `+table+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Entity
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e entity.Entity
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		e.Kind = kind
		out = append(out, e)
	}
	return out, rows.Err()
}

// CloseIssue marks an issue closed by id. Missing issues are reported via
// sql.ErrNoRows.
func (s *Store) CloseIssue(ctx context.Context, id string) error {
	e, err := s.GetEntityByID(ctx, entity.KindIssue, id)
	if err != nil {
		return err
	}
	e.Status = "closed"
	return s.UpsertEntity(ctx, e)
}

// ImportJSONL loads issues.jsonl and specs.jsonl from dir into the cache.
// Missing files are skipped.
func (s *Store) ImportJSONL(ctx context.Context, dir string) error {
	for _, f := range []struct {
		name string
		kind entity.Kind
	}{
		{"issues.jsonl", entity.KindIssue},
		{"specs.jsonl", entity.KindSpec},
	} {
		path := filepath.Join(dir, f.name)
		file, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		entities, err := entity.ReadJSONL(file, f.kind)
		file.Close()
		if err != nil {
			return fmt.Errorf("import %s: %w", f.name, err)
		}
		// Duplicate uuids or ids in the file resolve before caching.
		entities = jsonlmerge.ResolveEntities(entities)
		for i := range entities {
			if err := s.UpsertEntity(ctx, &entities[i]); err != nil {
				return fmt.Errorf("import %s: %w", f.name, err)
			}
		}
		s.logger.Info("imported entities", "file", f.name, "count", len(entities))
	}
	return nil
}

// ExportJSONL writes the cached entities back out as deterministic JSONL.
func (s *Store) ExportJSONL(ctx context.Context, dir string) error {
	for _, f := range []struct {
		name string
		kind entity.Kind
	}{
		{"issues.jsonl", entity.KindIssue},
		{"specs.jsonl", entity.KindSpec},
	} {
		entities, err := s.ListEntities(ctx, f.kind)
		if err != nil {
			return err
		}
		file, err := os.Create(filepath.Join(dir, f.name))
		if err != nil {
			return err
		}
		err = entity.WriteJSONL(file, entities)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("export %s: %w", f.name, err)
		}
	}
	return nil
}

// Bootstrap opens the store under dir/.sudocode. When cache.db is absent
// but the JSONL files exist, they are imported to materialize the cache.
func Bootstrap(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	sudoDir := filepath.Join(dir, ".sudocode")
	if err := os.MkdirAll(sudoDir, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(sudoDir, "cache.db")
	_, statErr := os.Stat(dbPath)
	fresh := os.IsNotExist(statErr)

	s := New(dbPath, opts...)
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if fresh {
		if err := s.ImportJSONL(ctx, sudoDir); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
