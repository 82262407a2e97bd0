package stores

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/opencatalog/authz"
	"github.com/opencatalog/authz/logger"
)

const invalidationChannel = "authz:invalidate"

// invalidateAllToken on the channel drops every cached subject.
const invalidateAllToken = "*"

// RedisInvalidator fans subject-cache invalidations out to every process
// holding a local cache. Writers publish the changed user name (or "*")
// after a role/policy/team edit; each process runs a Listen loop applying
// the messages to its own cache.
type RedisInvalidator struct {
	client *redis.Client
	cache  *authz.SubjectCache
	log    logger.Logger
}

func NewRedisInvalidator(client *redis.Client, cache *authz.SubjectCache, log logger.Logger) *RedisInvalidator {
	if log == nil {
		log = logger.NewPhusluLogger()
	}
	return &RedisInvalidator{client: client, cache: cache, log: log}
}

// Publish broadcasts an invalidation for one user name, or for everything
// when userName is "*".
func (r *RedisInvalidator) Publish(ctx context.Context, userName string) error {
	return r.client.Publish(ctx, invalidationChannel, userName).Err()
}

// PublishAll broadcasts a full cache drop.
func (r *RedisInvalidator) PublishAll(ctx context.Context) error {
	return r.Publish(ctx, invalidateAllToken)
}

// Listen subscribes to the invalidation channel and applies messages to the
// local cache until ctx is cancelled.
func (r *RedisInvalidator) Listen(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, invalidationChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == invalidateAllToken {
				r.cache.InvalidateAll()
				continue
			}
			r.cache.InvalidateUser(msg.Payload)
			r.log.Debug("applied remote invalidation", "user", msg.Payload)
		}
	}
}
