// Package anoncode implements the anonymous share-code directory (§4.D):
// a 6-character code mapped to a session id, with TTL extension on
// activity. Backed by Redis when REDIS_URL is configured so expiry and
// extension fall out of native key TTLs; falls back to an in-process map
// with its own reaper goroutine otherwise, so the component is fully
// testable without a Redis instance.
package anoncode

import (
	"context"
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var codePattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

const maxGenerationAttempts = 10

var ErrNotFound = errors.New("code not found or expired")

// Directory maps share codes to session ids.
type Directory interface {
	// Generate mints a fresh, currently-unused code bound to sessionID with
	// the given ttl.
	Generate(ctx context.Context, sessionID string, ttl time.Duration) (string, error)
	// Resolve normalizes code to uppercase and returns its session id.
	Resolve(ctx context.Context, code string) (string, error)
	// Extend resets code's expiry to ttl from now.
	Extend(ctx context.Context, code string, ttl time.Duration) error
}

// ValidateFormat reports whether code matches ^[A-Z]{3}[0-9]{3}$ after
// uppercasing.
func ValidateFormat(code string) bool {
	return codePattern.MatchString(strings.ToUpper(code))
}

func generateCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"
	var b strings.Builder
	for i := 0; i < 3; i++ {
		c, err := randCharFrom(letters)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	for i := 0; i < 3; i++ {
		c, err := randCharFrom(digits)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func randCharFrom(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}

// --- Redis-backed implementation ---

// RedisDirectory stores code->session_id as Redis string keys with a
// native TTL.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: "anoncode:"}
}

func (d *RedisDirectory) key(code string) string {
	return d.prefix + strings.ToUpper(code)
}

func (d *RedisDirectory) Generate(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	for i := 0; i < maxGenerationAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", errors.Wrap(err, "generate code")
		}
		ok, err := d.client.SetNX(ctx, d.key(code), sessionID, ttl).Result()
		if err != nil {
			return "", errors.Wrap(err, "redis setnx")
		}
		if ok {
			return code, nil
		}
	}
	return "", errors.New("exhausted code generation attempts")
}

func (d *RedisDirectory) Resolve(ctx context.Context, code string) (string, error) {
	if !ValidateFormat(code) {
		return "", errors.Errorf("invalid code format: %s", code)
	}
	v, err := d.client.Get(ctx, d.key(code)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "redis get")
	}
	return v, nil
}

func (d *RedisDirectory) Extend(ctx context.Context, code string, ttl time.Duration) error {
	ok, err := d.client.Expire(ctx, d.key(code), ttl).Result()
	if err != nil {
		return errors.Wrap(err, "redis expire")
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// --- in-process fallback ---

type entry struct {
	sessionID string
	expiresAt time.Time
}

// MemoryDirectory is the Redis-free fallback used in development and tests.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]entry)}
}

func (d *MemoryDirectory) Generate(_ context.Context, sessionID string, ttl time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < maxGenerationAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", errors.Wrap(err, "generate code")
		}
		if e, ok := d.entries[code]; ok && e.expiresAt.After(time.Now()) {
			continue
		}
		d.entries[code] = entry{sessionID: sessionID, expiresAt: time.Now().Add(ttl)}
		return code, nil
	}
	return "", errors.New("exhausted code generation attempts")
}

func (d *MemoryDirectory) Resolve(_ context.Context, code string) (string, error) {
	if !ValidateFormat(code) {
		return "", errors.Errorf("invalid code format: %s", code)
	}
	code = strings.ToUpper(code)

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[code]
	if !ok || !e.expiresAt.After(time.Now()) {
		delete(d.entries, code)
		return "", ErrNotFound
	}
	return e.sessionID, nil
}

func (d *MemoryDirectory) Extend(_ context.Context, code string, ttl time.Duration) error {
	code = strings.ToUpper(code)

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[code]
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = time.Now().Add(ttl)
	d.entries[code] = e
	return nil
}

// Reap removes expired entries; called periodically by a background task
// bound to the directory's lifetime (§9 "avoid fire-and-forget tasks").
func (d *MemoryDirectory) Reap() int {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for code, e := range d.entries {
		if !e.expiresAt.After(now) {
			delete(d.entries, code)
			removed++
		}
	}
	return removed
}

// RunReaper blocks reaping entries every interval until ctx is cancelled.
func (d *MemoryDirectory) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Reap()
		}
	}
}

var _ Directory = (*RedisDirectory)(nil)
var _ Directory = (*MemoryDirectory)(nil)
