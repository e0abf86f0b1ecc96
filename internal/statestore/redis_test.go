package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pulsar-assistant/internal/domain"
)

type fakeRedis struct {
	data    map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		f.deleted = append(f.deleted, k)
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestSaveLoadDelete(t *testing.T) {
	rdb := newFakeRedis()
	s, err := New(rdb, WithTTL(time.Hour), WithPrefix("test:"))
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	st := domain.SessionState{Key: "s1", Step: 3, UserData: domain.UserData{CompanyName: "Acme"}}
	require.NoError(t, s.SaveState(ctx, st))
	require.Contains(t, rdb.data, "test:s1")
	require.Equal(t, time.Hour, rdb.ttls["test:s1"])

	got, ok, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.Step)
	require.Equal(t, "Acme", got.UserData.CompanyName)
	require.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.DeleteState(ctx, "s1"))
	require.Equal(t, []string{"test:s1"}, rdb.deleted)
	_, ok, err = s.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDefaults(t *testing.T) {
	rdb := newFakeRedis()
	s, err := New(rdb)
	require.NoError(t, err)
	require.NoError(t, s.SaveState(context.Background(), domain.SessionState{Key: "k"}))
	require.Equal(t, DefaultTTL, rdb.ttls[defaultPrefix+"k"])
}

func TestErrors(t *testing.T) {
	ctx := context.Background()

	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection reset")
	s, _ := New(rdb)
	_, _, err := s.LoadState(ctx, "s1")
	require.ErrorContains(t, err, "connection reset")

	rdb = newFakeRedis()
	rdb.setErr = errors.New("OOM")
	s, _ = New(rdb)
	require.ErrorContains(t, s.SaveState(ctx, domain.SessionState{Key: "s1"}), "OOM")
	require.Error(t, s.SaveState(ctx, domain.SessionState{}))

	rdb = newFakeRedis()
	rdb.data[defaultPrefix+"s1"] = "not json"
	s, _ = New(rdb)
	_, _, err = s.LoadState(ctx, "s1")
	require.ErrorContains(t, err, "unmarshal")
}
