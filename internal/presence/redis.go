package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"labremote/internal/protocol"
)

const (
	keyPrefix = "labremote:client:"

	// presence entries expire if the coordinator dies without cleaning up
	presenceTTL = 24 * time.Hour
	opTimeout   = 3 * time.Second
)

// ClientKey is the Redis hash that holds the presence of one workstation.
func ClientKey(address string) string {
	return keyPrefix + address
}

// RedisRecorder mirrors registry membership into Redis hashes so other
// tools can see which workstations are online. A nil recorder, or one
// without a client, does nothing.
type RedisRecorder struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRecorder parses url (redis://host:port/db) and verifies the
// server answers a PING.
func NewRedisRecorder(url string, logger *slog.Logger) (*RedisRecorder, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRecorderWithClient(rdb, logger), nil
}

func NewRedisRecorderWithClient(client *redis.Client, logger *slog.Logger) *RedisRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRecorder{client: client, logger: logger, now: time.Now}
}

func (r *RedisRecorder) OnConnectionState(address string, connected bool) {
	if r == nil || r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := ClientKey(address)
	if !connected {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.logFailure("del", address, err)
		}
		return
	}

	fields := map[string]any{
		"connected": 1,
		"since":     r.now().UTC().Format(time.RFC3339),
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logFailure("hset", address, err)
	}
}

func (r *RedisRecorder) OnPacket(p protocol.DataPacket, address string) {
	if r == nil || r.client == nil || p.Tag != protocol.TagHostInfo {
		return
	}
	info, ok := p.Payload.(protocol.HostInfo)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.client.HSet(ctx, ClientKey(address), "host_name", info.HostName).Err(); err != nil {
		r.logFailure("hset_host_name", address, err)
	}
}

// Lookup returns the stored presence fields for address, or nil if absent.
func (r *RedisRecorder) Lookup(ctx context.Context, address string) (map[string]string, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	fields, err := r.client.HGetAll(ctx, ClientKey(address)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (r *RedisRecorder) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisRecorder) logFailure(op, address string, err error) {
	r.logger.Warn("presence_update_failed",
		"op", op,
		"address", address,
		"error", err.Error(),
	)
}
