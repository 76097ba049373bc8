package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory func(t *testing.T) Store

func stores() map[string]factory {
	return map[string]factory{
		"bigcache": func(t *testing.T) Store {
			s, err := NewBigCache(context.Background(), BigCacheConfig{Shards: 16})
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "m.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			s, err := NewRedis(RedisConfig{Client: rdb, Key: "featcache:test", CloseClient: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			defer s.Close(ctx)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SetMany(ctx, []Item{
				{Key: "a", Value: []byte{1, 2, 3}},
				{Key: "b", Value: []byte{}},
				{Key: "c", Value: []byte("ccc")},
			}))
			require.NoError(t, s.SetMany(ctx, []Item{{Key: "a", Value: []byte{9}}}))

			v, ok, err := s.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte{9}, v)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var keys []string
			require.NoError(t, s.Range(ctx, func(k string, _ []byte) error {
				keys = append(keys, k)
				return nil
			}))
			sort.Strings(keys)
			assert.Equal(t, []string{"a", "b", "c"}, keys)

			require.NoError(t, s.Sync(ctx))
			require.NoError(t, s.Reset(ctx))
			n, err = s.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, s.Close(ctx))
			require.NoError(t, s.Close(ctx))
			_, _, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestStoreRangeStopsOnError(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			defer s.Close(ctx)
			require.NoError(t, s.SetMany(ctx, []Item{{Key: "x", Value: []byte("1")}, {Key: "y", Value: []byte("2")}}))

			stop := errors.New("stop")
			calls := 0
			err := s.Range(ctx, func(string, []byte) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestSQLiteKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, "")
	require.NoError(t, err)
	defer s.Close(ctx)

	want := []string{"zeta", "alpha", "mid", "beta"}
	items := make([]Item, len(want))
	for i, k := range want {
		items[i] = Item{Key: k, Value: []byte(k)}
	}
	require.NoError(t, s.SetMany(ctx, items))
	require.NoError(t, s.SetMany(ctx, []Item{{Key: "alpha", Value: []byte("again")}}))

	var got []string
	require.NoError(t, s.Range(ctx, func(k string, _ []byte) error {
		got = append(got, k)
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SetMany(ctx, []Item{{Key: "k", Value: []byte("v")}}))
	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Close(ctx))

	s2, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s2.Close(ctx)
	v, ok, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestRedisChunkedWrites(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s, err := NewRedis(RedisConfig{Client: rdb, Key: "featcache:big"})
	require.NoError(t, err)

	items := make([]Item, 3*redisBatch+7)
	for i := range items {
		items[i] = Item{Key: fmt.Sprintf("k%04d", i), Value: []byte{byte(i)}}
	}
	require.NoError(t, s.SetMany(ctx, items))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(items), n)

	seen := 0
	require.NoError(t, s.Range(ctx, func(string, []byte) error { seen++; return nil }))
	assert.Equal(t, len(items), seen)

	// store does not own the client
	require.NoError(t, s.Close(ctx))
	assert.NoError(t, rdb.Ping(ctx).Err())
}

func TestRedisSharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a, err := NewRedis(RedisConfig{Client: rdb, Key: "featcache:shared"})
	require.NoError(t, err)
	b, err := NewRedis(RedisConfig{Client: rdb, Key: "featcache:shared"})
	require.NoError(t, err)

	require.NoError(t, a.SetMany(ctx, []Item{{Key: "m", Value: []byte("1")}}))
	v, ok, err := b.Get(ctx, "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestNewRedisValidation(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.ErrorIs(t, err, ErrNilClient)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, err = NewRedis(RedisConfig{Client: rdb})
	assert.Error(t, err)
}
