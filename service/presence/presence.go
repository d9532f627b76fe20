package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Mirror publishes a derived online/offline view into redis for the
// surrounding web application. The connection manager stays authoritative;
// nothing here is ever read back to make delivery decisions.
//
// A nil *Mirror is valid and turns every call into a no-op, so callers
// don't need to care whether redis is configured.
type Mirror struct {
	rdb  *redis.Client
	node string
	ttl  time.Duration
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

// presence key: im:presence:<user>
// value: node id; TTL controls the online validity period
func presenceKey(user string) string { return "im:presence:" + user }

func New(cfg Config, node string, ttl time.Duration) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "presence redis ping %s", cfg.Addr)
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Mirror{rdb: rdb, node: node, ttl: ttl}, nil
}

// Online marks the user online and starts the TTL clock.
func (m *Mirror) Online(ctx context.Context, user string) error {
	if m == nil || user == "" {
		return nil
	}
	return m.rdb.Set(ctx, presenceKey(user), m.node, m.ttl).Err()
}

// Refresh renews the TTL; called from the liveness path.
func (m *Mirror) Refresh(ctx context.Context, user string) error {
	if m == nil || user == "" {
		return nil
	}
	return m.rdb.Expire(ctx, presenceKey(user), m.ttl).Err()
}

// Offline deletes the key ahead of its TTL.
func (m *Mirror) Offline(ctx context.Context, user string) error {
	if m == nil || user == "" {
		return nil
	}
	return m.rdb.Del(ctx, presenceKey(user)).Err()
}

// Lookup reports whether the user currently shows as online and on which node.
func (m *Mirror) Lookup(ctx context.Context, user string) (node string, online bool, err error) {
	if m == nil {
		return "", false, nil
	}
	val, err := m.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.rdb.Close()
}
