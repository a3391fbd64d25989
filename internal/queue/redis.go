package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v7"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

const redisPollTimeout = time.Second

// envelope is the value stored in the Redis list, the job name next to its data.
type envelope struct {
	Name string                `json:"name"`
	Data models.StepJobMessage `json:"data"`
}

// RedisQueue keeps step jobs in a Redis list so they survive a restart and can be
// consumed by several processes. Producers LPUSH, workers BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, key: "stepflow:" + name + ":wait"}
}

// DialRedis connects to Redis, retrying with backoff until it answers or ctx is done.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	), ctx)
	err := backoff.Retry(func() error {
		err := client.WithContext(ctx).Ping().Err()
		if err != nil {
			slog.WarnContext(ctx, "Redis not reachable yet", "addr", addr, "error", err)
		}
		return err
	}, b)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg models.StepJobMessage) error {
	body, err := json.Marshal(envelope{Name: models.ProcessStepJobName, Data: msg})
	if err != nil {
		return err
	}
	if err := q.client.WithContext(ctx).LPush(q.key, body).Err(); err != nil {
		return fmt.Errorf("push step job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue polls with a short BRPOP timeout so ctx cancellation is noticed quickly.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.StepJobMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.WithContext(ctx).BRPop(redisPollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pop step job: %w", err)
		}
		// res is [key, value]
		var env envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			slog.ErrorContext(ctx, "Dropping unreadable step job", "queue", q.key, "error", err)
			continue
		}
		if env.Name != models.ProcessStepJobName {
			slog.WarnContext(ctx, "Dropping unknown job name", "queue", q.key, "name", env.Name)
			continue
		}
		return &env.Data, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.WithContext(ctx).LLen(q.key).Result()
}
