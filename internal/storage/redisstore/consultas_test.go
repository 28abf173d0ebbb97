package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
)

type fakeList struct {
	items  []string
	err    error
	closed bool
}

func (f *fakeList) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			f.items = append(f.items, string(v))
		case string:
			f.items = append(f.items, v)
		}
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeList) LRange(_ context.Context, _ string, start, stop int64) *redis.StringSliceCmd {
	if f.err != nil {
		return redis.NewStringSliceResult(nil, f.err)
	}
	n := int64(len(f.items))
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if start > stop || start >= n {
		return redis.NewStringSliceResult([]string{}, nil)
	}
	return redis.NewStringSliceResult(append([]string{}, f.items[start:stop+1]...), nil)
}

func (f *fakeList) Close() error {
	f.closed = true
	return nil
}

func TestConsultasAppendAndReadTail(t *testing.T) {
	ctx := context.Background()
	list := &fakeList{}
	log := &Consultas{client: list, key: "openecon:consultas"}

	at := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, log.Append(ctx, metrics.Record{ID: id, Timestamp: at, Question: "¿TRM?", Route: "exchange_rate"}))
	}
	list.items = append(list.items, "{corrupto")

	all, err := log.Read(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, at, all[0].Timestamp)

	tail, err := log.Read(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1, "the corrupt element counts toward the window")
	assert.Equal(t, "c", tail[0].ID)

	var decoded metrics.Record
	require.NoError(t, json.Unmarshal([]byte(list.items[0]), &decoded))
	assert.Equal(t, "exchange_rate", decoded.Route)

	require.NoError(t, log.Close())
	assert.True(t, list.closed)
}

func TestConsultasErrorsAreStorageFailures(t *testing.T) {
	log := &Consultas{client: &fakeList{err: errors.New("connection refused")}, key: "k"}

	err := log.Append(context.Background(), metrics.Record{ID: "x"})
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	_, err = log.Read(context.Background(), 0)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestOpenRequiresAddress(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
