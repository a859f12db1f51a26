package database

import (
	"context"
	"time"
)

// Health verifies database connectivity with a bounded round trip.
func Health(ctx context.Context, c *Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var one int
	return c.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
