// Package redisdao persists authors and sessions in Redis so multiple
// server instances can share state and survive restarts.
package redisdao

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Settings struct {
	Address  string
	Password string
	DB       int
}

func DefaultSettings() *Settings {
	return &Settings{
		Address: "127.0.0.1:6379",
	}
}

// NewClient connects and verifies the connection with a ping.
func NewClient(ctx context.Context, settings *Settings) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     settings.Address,
		Password: settings.Password,
		DB:       settings.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
