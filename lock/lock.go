package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE LOCK - At most one night/morning cycle at a time
// ═══════════════════════════════════════════════════════════════════════════════
//
//   File   lock file created with O_EXCL, taken over once older than TTL
//   Redis  SETNX key token PX ttl, released by compare-and-delete
//
// Both expire, so a crashed cycle never blocks the next scheduled run forever.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrHeld is returned when another cycle holds the lock
var ErrHeld = errors.New("cycle lock held")

// Locker acquires the cycle lock. The returned func releases it.
type Locker interface {
	Name() string
	Acquire(ctx context.Context) (release func() error, err error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILE LOCK
// ═══════════════════════════════════════════════════════════════════════════════

type holder struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// File is a lock file next to the ledgers
type File struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewFile creates a file lock at path
func NewFile(path string, ttl time.Duration) *File {
	return &File{path: path, ttl: ttl, now: time.Now}
}

func (f *File) Name() string { return "file(" + f.path + ")" }

func (f *File) Acquire(_ context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	me := holder{Owner: uuid.New().String(), PID: os.Getpid(), AcquiredAt: f.now().UTC()}
	for attempt := 0; attempt < 2; attempt++ {
		err := f.create(me)
		if err == nil {
			log.Debug().Str("lock", f.path).Str("owner", me.Owner).Msg("🔒 Cycle lock acquired")
			return func() error { return f.release(me.Owner) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}

		cur, rerr := f.read()
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("read lock: %w", rerr)
		}
		if rerr == nil && f.now().Sub(cur.AcquiredAt) < f.ttl {
			return nil, fmt.Errorf("%w: pid %d since %s", ErrHeld, cur.PID, cur.AcquiredAt.Format(time.RFC3339))
		}

		log.Warn().
			Str("lock", f.path).
			Int("pid", cur.PID).
			Time("acquired_at", cur.AcquiredAt).
			Dur("ttl", f.ttl).
			Msg("⚠️ Taking over stale cycle lock")
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, ErrHeld
}

func (f *File) create(h holder) error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(fh).Encode(h); err != nil {
		fh.Close()
		os.Remove(f.path)
		return err
	}
	return fh.Close()
}

func (f *File) read() (holder, error) {
	var h holder
	b, err := os.ReadFile(f.path)
	if err != nil {
		return h, err
	}
	// An unreadable lock file counts as infinitely old
	if err := json.Unmarshal(b, &h); err != nil {
		return holder{}, nil
	}
	return h, nil
}

// release removes the lock only if we still own it
func (f *File) release(owner string) error {
	cur, err := f.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		log.Warn().Str("lock", f.path).Msg("cycle lock taken over before release")
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	log.Debug().Str("lock", f.path).Msg("🔓 Cycle lock released")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// REDIS LOCK
// ═══════════════════════════════════════════════════════════════════════════════

// KeyCycleLock is the default Redis key
const KeyCycleLock = "quadbot:cycle:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SETNX lock shared by every instance pointing at the same server
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a lock on key
func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = KeyCycleLock
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

// DialRedis connects and pings
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("🔗 Redis connected")
	return client, nil
}

func (r *Redis) Name() string { return "redis(" + r.key + ")" }

func (r *Redis) Acquire(ctx context.Context) (func() error, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		owner, _ := r.client.Get(ctx, r.key).Result()
		return nil, fmt.Errorf("%w: token %s", ErrHeld, owner)
	}
	log.Debug().Str("key", r.key).Str("token", token).Msg("🔒 Cycle lock acquired")

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock: %w", err)
		}
		if n == 0 {
			log.Warn().Str("key", r.key).Msg("cycle lock expired before release")
		}
		return nil
	}, nil
}
