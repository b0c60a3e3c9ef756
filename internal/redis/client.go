package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/consult-signaling/config"
)

const pingTimeout = 5 * time.Second

// Connect builds a client from cfg and verifies the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Key layout shared by everything that talks to Redis.

func AccessKey(kind, id string) string { return "access:" + kind + ":" + id }

func PeersKey(roomID string) string { return "room:" + roomID + ":peers" }

func CallKey(callID string) string { return "call:" + callID }

func CallParticipantsKey(callID string) string { return "call:" + callID + ":participants" }
