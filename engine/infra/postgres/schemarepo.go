package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/inkflow/inkflow/engine/fields"
)

// ErrSchemaNotFound is returned when no field schema exists for a document.
var ErrSchemaNotFound = fmt.Errorf("field schema not found")

// SchemaRepo stores field schemas keyed by document ref. It backs both the
// completion orchestrator's schema lookups and schema writes at initiation.
type SchemaRepo struct {
	db DBInterface
}

func NewSchemaRepo(db DBInterface) *SchemaRepo {
	return &SchemaRepo{db: db}
}

func (r *SchemaRepo) SaveSchema(ctx context.Context, documentRef string, schema *fields.Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	sql, args, err := squirrel.Insert("documents").
		Columns("document_ref", "schema").
		Values(documentRef, data).
		Suffix("ON CONFLICT (document_ref) DO UPDATE SET schema = EXCLUDED.schema, updated_at = now()").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building schema upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("saving schema: %w", err)
	}
	return nil
}

func (r *SchemaRepo) SchemaForDocument(ctx context.Context, documentRef string) (*fields.Schema, error) {
	sql, args, err := squirrel.Select("schema").
		From("documents").
		Where(squirrel.Eq{"document_ref": documentRef}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var raw []byte
	if err := pgxscan.Get(ctx, r.db, &raw, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrSchemaNotFound
		}
		return nil, fmt.Errorf("scanning schema: %w", err)
	}
	var schema fields.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("unmarshaling schema: %w", err)
	}
	return &schema, nil
}
