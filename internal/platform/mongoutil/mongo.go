// Package mongoutil connects to MongoDB the same way natsutil connects to
// NATS: retry until a deadline, then give up with the last error.
package mongoutil

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	attemptTimeout = 3 * time.Second
	retryBackoff   = 500 * time.Millisecond
)

type Client struct {
	Client *mongo.Client
	DB     *mongo.Database
}

func Connect(ctx context.Context, uri, database string) (*Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Client{Client: client, DB: client.Database(database)}, nil
}

func ConnectWithRetry(ctx context.Context, uri, database string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Connect(ctx, uri, database)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Warn().Err(err).Msg("waiting for mongo readiness")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return nil, fmt.Errorf("connect mongo timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close(ctx context.Context) {
	if c == nil || c.Client == nil {
		return
	}
	_ = c.Client.Disconnect(ctx)
}
