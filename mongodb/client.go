// Package mongodb implements the usage record and nonce repositories on a
// MongoDB backend. At-most-once insertion is enforced with unique indexes;
// retention is enforced with TTL indexes on a dedicated purge field, never
// on the key's own expiry.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

const (
	// KeyRecordsCollection stores accepted redemptions.
	KeyRecordsCollection = "keyRecords"
	// NonceMarksCollection stores replay markers.
	NonceMarksCollection = "usedNonces"
)

// Client is an owned MongoDB connection handle. It is constructed once at
// startup, passed to the repositories that need it, and closed on
// shutdown. Connection state is never consulted through package globals.
type Client struct {
	mc *mongo.Client
	db *mongo.Database
}

// Connect establishes the MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, uri, dbName string) (*Client, error) {
	log.Info().Str("db", dbName).Msg("Connecting to MongoDB")

	opts := options.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMonitor(otelmongo.NewMonitor())

	mc, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mc.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &Client{mc: mc, db: mc.Database(dbName)}, nil
}

// Database returns the handle's database.
func (c *Client) Database() *mongo.Database { return c.db }

// Ping verifies connectivity, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.mc.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) {
	log.Info().Msg("Closing MongoDB connection")
	if err := c.mc.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing MongoDB connection")
	}
}
