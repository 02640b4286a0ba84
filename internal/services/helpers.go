package services

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// lockForUpdate applies a row-level write lock where the dialect supports it.
// SQLite serialises writers on its own and rejects FOR UPDATE syntax, so the
// clause is only added for server databases.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
