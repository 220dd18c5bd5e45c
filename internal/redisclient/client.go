package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/unlock.lua
var unlockScript string

const keyPrefix = "installment"

// idempotencyPending marks a key whose request is still running.
const idempotencyPending = "pending"

// ErrRequestInProgress is returned when a request with the same idempotency
// key has not finished yet.
var ErrRequestInProgress = errors.New("request with this idempotency key is in progress")

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
	unlockScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
		unlockScript:  redis.NewScript(unlockScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID int64) string {
	return fmt.Sprintf("%s:inventory:%d", keyPrefix, productID)
}

// ReserveStock atomically moves quantity from available to reserved.
// Returns false if there is not enough available stock.
func (c *Client) ReserveStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}
	return result == 1, nil
}

// ReleaseStock atomically moves reserved stock back to available
func (c *Client) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Err(); err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// CommitStock atomically drops reserved stock that has shipped
func (c *Client) CommitStock(ctx context.Context, productID int64, quantity int) error {
	if err := c.commitScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Err(); err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	return nil
}

// InitInventory initializes inventory count in Redis
func (c *Client) InitInventory(ctx context.Context, productID int64, available, reserved int) error {
	key := inventoryKey(productID)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "available", available, "reserved", reserved)
	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory retrieves current inventory counts
func (c *Client) GetInventory(ctx context.Context, productID int64) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, fmt.Errorf("inventory not found for product %d", productID)
	}

	if available, err = strconv.Atoi(result["available"]); err != nil {
		return 0, 0, fmt.Errorf("bad available count for product %d: %w", productID, err)
	}
	if reserved, err = strconv.Atoi(result["reserved"]); err != nil {
		return 0, 0, fmt.Errorf("bad reserved count for product %d: %w", productID, err)
	}
	return available, reserved, nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", keyPrefix, key)
}

// ClaimIdempotencyKey claims a key for a new request. When the key was
// already used it returns the stored response instead, or
// ErrRequestInProgress while the first request is still running.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	claimed, err := c.rdb.SetNX(ctx, idempotencyKey(key), idempotencyPending, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if claimed {
		return true, nil, nil
	}

	stored, err := c.rdb.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; let the caller retry.
		return false, nil, ErrRequestInProgress
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if string(stored) == idempotencyPending {
		return false, nil, ErrRequestInProgress
	}
	return false, stored, nil
}

// StoreIdempotentResponse remembers the response of a finished request
func (c *Client) StoreIdempotentResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), response, ttl).Err()
}

// ForgetIdempotencyKey frees a key whose request failed so it can be retried
func (c *Client) ForgetIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}

func lockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", keyPrefix, key)
}

// AcquireLock takes a short-lived lock. The returned token must be passed to
// ReleaseLock; an empty token means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases a lock if it is still owned by token
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	return c.unlockScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Err()
}
