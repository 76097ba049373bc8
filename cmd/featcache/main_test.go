package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/featcache"
	"github.com/unkn0wn-root/featcache/keyer"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeCache(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	fc, err := featcache.OpenFile(ctx, path, featcache.FileOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer fc.Close(ctx)
	require.NoError(t, fc.Update(ctx, map[string]featcache.Vector{
		"CCO": {1, 2, 3},
		"N":   {4},
	}))
	require.NoError(t, fc.SaveToFile(ctx, "", 0))
}

func TestInfoAndConvert(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fp.parquet")
	writeCache(t, src)

	dst := filepath.Join(dir, "fp.csv")
	_, err := run(t, "", "convert", src, dst)
	require.NoError(t, err)

	out, err := run(t, "", "info", dst, "--show", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "encoding: csv")
	assert.Contains(t, out, "entries:  2")
	assert.Contains(t, out, keyer.Default().Derive("CCO")+"\t3")

	_, err = run(t, "", "convert", src, filepath.Join(dir, "fp.out"), "--to", "hier")
	require.NoError(t, err)
	out, err = run(t, "", "get", filepath.Join(dir, "fp.out"), "N", "--type", "bolt")
	require.NoError(t, err)
	assert.Equal(t, "N\t[4]\n", out)
}

func TestInfoUnknownExtension(t *testing.T) {
	_, err := run(t, "", "info", filepath.Join(t.TempDir(), "fp.h5"))
	assert.ErrorIs(t, err, featcache.ErrUnsupportedEncoding)
}

func TestGetMissingObject(t *testing.T) {
	src := filepath.Join(t.TempDir(), "fp.parquet")
	writeCache(t, src)
	_, err := run(t, "", "get", src, "O")
	assert.ErrorIs(t, err, featcache.ErrNotFound)
}

func TestStateCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fp.parquet")
	writeCache(t, src)

	out, err := run(t, "", "state", src)
	require.NoError(t, err)
	assert.Contains(t, out, "_cache_name: FileCache")
	assert.Contains(t, out, "file_type: parquet")
	assert.Contains(t, out, "hash_name: unique_id")

	bin := filepath.Join(dir, "state.json")
	_, err = run(t, "", "state", src, "-o", bin, "--format", "json")
	require.NoError(t, err)
	b, err := os.ReadFile(bin)
	require.NoError(t, err)
	sd, err := featcache.DecodeState(b, featcache.StateJSON)
	require.NoError(t, err)
	assert.Equal(t, src, sd.Path)
}

func TestKeysCommand(t *testing.T) {
	out, err := run(t, "", "keys", "--strategy", "canonical", " CCO ", "N")
	require.NoError(t, err)
	assert.Equal(t, "CCO\t CCO \nN\tN\n", out)

	out, err = run(t, "CCO\n\nN\n", "keys")
	require.NoError(t, err)
	k := keyer.Default()
	assert.Equal(t, k.Derive("CCO")+"\tCCO\n"+k.Derive("N")+"\tN\n", out)

	_, err = run(t, "", "keys", "--strategy", "md5", "x")
	assert.ErrorIs(t, err, keyer.ErrUnknownStrategy)
}

func TestPushToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	src := filepath.Join(t.TempDir(), "fp.parquet")
	writeCache(t, src)

	_, err := run(t, "", "push", src, "--redis-url", "redis://"+mr.Addr(), "--key", "featcache:fp")
	require.NoError(t, err)
	fields, err := mr.HKeys("featcache:fp")
	require.NoError(t, err)
	assert.Len(t, fields, 2)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "featcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
keyer: sha256
jobs: 2
redis:
  url: redis://cache:6379/1
  timeout: 250ms
`), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sha256", cfg.Keyer)
	assert.Equal(t, 2, cfg.Jobs)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.Timeout)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = loadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("colour: blue\n"), 0o644))
	_, err = loadConfig(bad)
	assert.Error(t, err)
}

func TestConfigKeyerUsedByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "featcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keyer: canonical\n"), 0o644))
	out, err := run(t, "", "--config", path, "keys", "CCO")
	require.NoError(t, err)
	assert.Equal(t, "CCO\tCCO\n", out)
}

func TestBadLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--log-level", "loud", "keys", "x"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestMetricsFlag(t *testing.T) {
	src := filepath.Join(t.TempDir(), "fp.parquet")
	writeCache(t, src)

	var errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--log-level", "error", "--metrics", "--trace-hooks", "convert", src, filepath.Join(t.TempDir(), "fp.msgpack")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(&errOut)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
}
