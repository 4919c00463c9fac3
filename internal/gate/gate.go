package gate

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/model"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnauthorized means no usable credential was presented.
	ErrUnauthorized = errors.New("missing or invalid credentials")
	// ErrAccessDenied means the credential is known but does not grant access.
	ErrAccessDenied = errors.New("access denied")
)

const demoKeyPrefix = "demo:"

// Credentials carries what the caller presented on this request. AdminID is
// the verified subject of an admin bearer token, empty when none was sent.
type Credentials struct {
	AdminID  string
	DemoCode string
}

// Gate decides who may create and touch jobs. Authorize runs at create time
// and consumes demo quota; Verify checks a credential without consuming;
// Recheck runs on later calls against the access context stored in the
// record, never against fresh quota.
type Gate interface {
	Authorize(ctx context.Context, cred Credentials) (model.AccessContext, error)
	Verify(ctx context.Context, cred Credentials) error
	Recheck(ctx context.Context, stored model.AccessContext, cred Credentials) error
}

// RedisGate keeps demo quota as counters under demo:<code>.
type RedisGate struct {
	redis *redis.Client
}

func NewRedisGate(redisClient *redis.Client) *RedisGate {
	return &RedisGate{redis: redisClient}
}

// Seed registers configured demo codes that do not exist yet. Existing
// counters are left alone so restarting never refills spent quota.
func (g *RedisGate) Seed(ctx context.Context, cfg *config.DemoConfig) error {
	if cfg.Codes == "" {
		return nil
	}
	seeded := 0
	for _, entry := range strings.Split(cfg.Codes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		code := entry
		uses := cfg.DefaultUses
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			code = entry[:i]
			n, err := strconv.Atoi(entry[i+1:])
			if err != nil {
				log.Printf("[Gate] skipping malformed demo code entry %q", entry)
				continue
			}
			uses = n
		}
		ok, err := g.redis.SetNX(ctx, demoKeyPrefix+code, uses, 0).Result()
		if err != nil {
			return err
		}
		if ok {
			seeded++
		}
	}
	if seeded > 0 {
		log.Printf("[Gate] seeded %d demo code(s)", seeded)
	}
	return nil
}

// Authorize resolves the caller into an access context. An admin credential
// wins over a demo code. Demo access consumes one use here and only here.
func (g *RedisGate) Authorize(ctx context.Context, cred Credentials) (model.AccessContext, error) {
	if cred.AdminID != "" {
		return model.AccessContext{Mode: model.AccessAdmin}, nil
	}
	if cred.DemoCode == "" {
		return model.AccessContext{}, ErrUnauthorized
	}

	key := demoKeyPrefix + cred.DemoCode
	if _, err := g.redis.Get(ctx, key).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return model.AccessContext{}, ErrUnauthorized
		}
		return model.AccessContext{}, err
	}

	left, err := g.redis.Decr(ctx, key).Result()
	if err != nil {
		return model.AccessContext{}, err
	}
	if left < 0 {
		// Exhausted; undo the decrement so the counter stays at zero.
		g.redis.Incr(ctx, key)
		return model.AccessContext{}, ErrAccessDenied
	}

	return model.AccessContext{Mode: model.AccessDemo, DemoCode: cred.DemoCode}, nil
}

// Verify checks that a credential could authorize work without spending
// quota. Used by the upload endpoint, which precedes job creation.
func (g *RedisGate) Verify(ctx context.Context, cred Credentials) error {
	if cred.AdminID != "" {
		return nil
	}
	if cred.DemoCode == "" {
		return ErrUnauthorized
	}

	val, err := g.redis.Get(ctx, demoKeyPrefix+cred.DemoCode).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrUnauthorized
		}
		return err
	}
	if val <= 0 {
		return ErrAccessDenied
	}
	return nil
}

// Recheck validates a later call against the access the job was created
// under. Demo quota is not consumed again.
func (g *RedisGate) Recheck(ctx context.Context, stored model.AccessContext, cred Credentials) error {
	switch stored.Mode {
	case model.AccessAdmin:
		if cred.AdminID == "" {
			return ErrUnauthorized
		}
		return nil
	case model.AccessDemo:
		if cred.DemoCode == "" {
			return ErrUnauthorized
		}
		if cred.DemoCode != stored.DemoCode {
			return ErrAccessDenied
		}
		return nil
	default:
		return ErrAccessDenied
	}
}
