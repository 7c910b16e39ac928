package postgres

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by EnsureSchema.
func Schema() string { return schemaSQL }

// EnsureSchema creates the devices table, its indexes and the serial
// sequence if they do not exist. It is safe to call on every startup.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return classify(err)
	}
	return nil
}
