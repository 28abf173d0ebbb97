package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenEcon-Agent/internal/errors"
)

// fakeRedisList 模拟 Redis list 的 LPUSH/RPUSH/BRPOP 语义。
type fakeRedisList struct {
	mu      sync.Mutex
	items   []string
	pushErr error
	popErr  error
	closed  bool
}

func (f *fakeRedisList) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedisList) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items = append(f.items, v.(string))
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedisList) BRPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	if f.popErr != nil {
		err := f.popErr
		f.mu.Unlock()
		return redis.NewStringSliceResult(nil, err)
	}
	if n := len(f.items); n > 0 {
		item := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], item}, nil)
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(5 * time.Millisecond):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func (f *fakeRedisList) Close() error {
	f.closed = true
	return nil
}

func TestRedisQueueDeliversInOrderAndRequeuesFailures(t *testing.T) {
	client := &fakeRedisList{}
	queue := newRedisQueue(client, RedisQueueConfig{BlockWait: time.Millisecond})
	assert.Equal(t, "openecon:tasks", queue.queue)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Publish(ctx, id))
	}

	var (
		mu   sync.Mutex
		seen []string
		once sync.Once
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		if id == "b" {
			var err error
			once.Do(func() { err = errors.New("reintentar") })
			return err
		}
		if len(seen) == 4 {
			cancel()
		}
		return nil
	}

	err := queue.Consume(ctx, 1, handler)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b", "b", "c"}, seen, "failed task is pushed back to the consuming end")

	require.NoError(t, queue.Close())
	assert.True(t, client.closed)
}

func TestRedisQueueErrors(t *testing.T) {
	client := &fakeRedisList{pushErr: errors.New("conexión rechazada"), popErr: errors.New("READONLY")}
	queue := newRedisQueue(client, RedisQueueConfig{Queue: "cola"})

	err := queue.Publish(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))

	err = queue.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))

	_, err = NewRedisQueue(context.Background(), RedisQueueConfig{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
