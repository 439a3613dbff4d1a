package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another session is already recording the meeting
var ErrLocked = errors.New("session: meeting is being recorded by another session")

// Locker grants one live recording per meeting. Locks are leases: an owner
// that stops refreshing loses the lock after ttl.
type Locker interface {
	Acquire(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, meetingID, owner string) error
}

// MemoryLocker keeps locks in process memory, for a single gateway replica
// and for the CLI
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	now   func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker creates an empty in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.locks[meetingID]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.locks[meetingID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Refresh(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.locks[meetingID]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	l.locks[meetingID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, meetingID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.locks[meetingID]; ok && cur.owner == owner {
		delete(l.locks, meetingID)
	}
	return nil
}

const lockKeyPrefix = "transcribe:live:"

// Compare-and-act scripts so a lease is only touched by its owner
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker shares locks between gateway replicas
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing client
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// ConnectRedis opens a client and checks it with PING
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("testing redis connection: %w", err)
	}
	return client, nil
}

func lockKey(meetingID string) string {
	return lockKeyPrefix + meetingID
}

func (l *RedisLocker) Acquire(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(meetingID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock for meeting %s: %w", meetingID, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring our own lease extends it
	return l.Refresh(ctx, meetingID, owner, ttl)
}

func (l *RedisLocker) Refresh(ctx context.Context, meetingID, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{lockKey(meetingID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refreshing lock for meeting %s: %w", meetingID, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, meetingID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(meetingID)}, owner).Err(); err != nil {
		return fmt.Errorf("releasing lock for meeting %s: %w", meetingID, err)
	}
	return nil
}

// Ping checks the Redis connection, for readiness checks
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
