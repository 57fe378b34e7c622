package db

import (
	"context"
	"fmt"
	"time"
)

// Ping verifies both pools are reachable.
func (db *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.GetWritePool().Ping(ctx); err != nil {
		return fmt.Errorf("write pool unreachable: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.GetReadPool().Ping(ctx); err != nil {
			return fmt.Errorf("read pool unreachable: %w", err)
		}
	}
	return nil
}
