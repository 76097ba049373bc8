package featcache

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/featcache/keyer"
)

var sample = map[string]Vector{
	"CCO":   {1, 0.5, -2},
	"N":     {1e-300, 3},
	"O=C=O": {math.MaxFloat64, -0.25, 0, 7},
}

var allEncodings = []Encoding{EncodingMsgpack, EncodingCSV, EncodingParquet, EncodingBolt}

func openFile(t *testing.T, path string, opts FileOptions) *FileCache {
	t.Helper()
	c, err := OpenFile(context.Background(), path, opts)
	require.NoError(t, err)
	return c
}

func sampleMap(t *testing.T, k *keyer.Keyer) map[string]Vector {
	t.Helper()
	if k == nil {
		k = keyer.Default()
	}
	out := make(map[string]Vector, len(sample))
	for o, v := range sample {
		out[k.Derive(o)] = v
	}
	return out
}

func TestFileRoundTripPerEncoding(t *testing.T) {
	for _, enc := range allEncodings {
		t.Run(enc.String(), func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "fp."+enc.String())

			c := openFile(t, path, FileOptions{Encoding: enc, CreateIfMissing: true})
			require.NoError(t, c.Update(ctx, sample))
			require.NoError(t, c.SaveToFile(ctx, "", 0))
			require.NoError(t, c.Close(ctx))

			again := openFile(t, path, FileOptions{Encoding: enc, PreserveOnExit: true})
			defer again.Close(ctx)
			assert.Equal(t, enc, again.Encoding())
			assert.Equal(t, "fp."+enc.String(), again.Name())

			got, err := ToMap(ctx, again)
			require.NoError(t, err)
			assert.Equal(t, sampleMap(t, nil), got)

			f := &lenFeaturizer{}
			vals, err := again.Compute(ctx, []string{"N", "CCO"}, f)
			require.NoError(t, err)
			assert.Equal(t, []Vector{sample["N"], sample["CCO"]}, vals)
			assert.Zero(t, f.calls())
		})
	}
}

func TestFileConvertBetweenEncodings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := openFile(t, filepath.Join(dir, "src.parquet"), FileOptions{CreateIfMissing: true})
	defer src.Close(ctx)
	require.NoError(t, src.Update(ctx, sample))

	for _, enc := range allEncodings {
		dst := filepath.Join(dir, "dst."+enc.String())
		require.NoError(t, src.SaveToFile(ctx, dst, enc), enc.String())

		c := openFile(t, dst, FileOptions{Encoding: enc})
		got, err := ToMap(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, sampleMap(t, nil), got, enc.String())
		require.NoError(t, c.Close(ctx))
	}
}

func TestFileKeepsRowOrder(t *testing.T) {
	ctx := context.Background()
	k, err := keyer.New(keyer.Canonical)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fp.parquet")

	c := openFile(t, path, FileOptions{Keyer: k, CreateIfMissing: true})
	require.NoError(t, c.Set(ctx, "b", Vector{2}))
	require.NoError(t, c.Set(ctx, "a", Vector{1}))
	require.NoError(t, c.Set(ctx, "c", Vector{3}))
	require.NoError(t, c.SaveToFile(ctx, "", 0))
	require.NoError(t, c.Close(ctx))

	again := openFile(t, path, FileOptions{Keyer: k})
	defer again.Close(ctx)
	keys, err := again.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, keys)
}

func TestFileWritesStayResidentUntilSaved(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fp.csv")
	c := openFile(t, path, FileOptions{Encoding: EncodingCSV, CreateIfMissing: true})
	require.NoError(t, c.Set(ctx, "CCO", Vector{1}))
	require.NoError(t, c.Close(ctx))

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileEmptyCSV(t *testing.T) {
	ctx := context.Background()
	for name, body := range map[string]string{
		"empty":       "",
		"blank":       "\n  \n",
		"header only": "keys,values\n",
		"bom header":  "\ufeffkeys,values",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fp.csv")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			c := openFile(t, path, FileOptions{Encoding: EncodingCSV})
			defer c.Close(ctx)
			n, err := c.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestFileMissing(t *testing.T) {
	ctx := context.Background()
	for _, enc := range allEncodings {
		t.Run(enc.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing")
			_, err := OpenFile(ctx, path, FileOptions{Encoding: enc})
			assert.ErrorIs(t, err, os.ErrNotExist)

			c, err := OpenFile(ctx, path, FileOptions{Encoding: enc, CreateIfMissing: true})
			require.NoError(t, err)
			n, err := c.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, c.Close(ctx))
		})
	}
}

func TestFileMalformed(t *testing.T) {
	ctx := context.Background()
	cases := map[Encoding]string{
		EncodingMsgpack: "not msgpack",
		EncodingCSV:     "smiles,fp\nCCO,AAAA\n",
		EncodingParquet: "PAR1 but not really",
		EncodingBolt:    "not a bolt database, just some text that is long enough",
	}
	for enc, body := range cases {
		t.Run(enc.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := OpenFile(ctx, path, FileOptions{Encoding: enc})
			assert.Error(t, err)
		})
	}
}

func TestFileCSVBadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fp.csv")
	require.NoError(t, os.WriteFile(path, []byte("keys,values\nCCO,%%%\n"), 0o644))
	_, err := OpenFile(context.Background(), path, FileOptions{Encoding: EncodingCSV})
	assert.Error(t, err)
}

func TestParseEncoding(t *testing.T) {
	for tag, want := range map[string]Encoding{
		"msgpack": EncodingMsgpack, "dump": EncodingMsgpack,
		"CSV": EncodingCSV, "parquet": EncodingParquet, " pq ": EncodingParquet,
		"bolt": EncodingBolt, "hier": EncodingBolt,
	} {
		got, err := ParseEncoding(tag)
		require.NoError(t, err, tag)
		assert.Equal(t, want, got, tag)
	}

	_, err := ParseEncoding("hdf5")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "hdf5", ce.Value)

	_, err = OpenFile(context.Background(), filepath.Join(t.TempDir(), "x"), FileOptions{Encoding: Encoding(42), CreateIfMissing: true})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestFileSaveRejectsBadEncoding(t *testing.T) {
	ctx := context.Background()
	c := openFile(t, filepath.Join(t.TempDir(), "fp.parquet"), FileOptions{CreateIfMissing: true})
	defer c.Close(ctx)
	assert.ErrorIs(t, c.SaveToFile(ctx, "", Encoding(9)), ErrUnsupportedEncoding)
}

func TestFileBoltWritesThrough(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fp.bolt")
	c := openFile(t, path, FileOptions{Encoding: EncodingBolt, CreateIfMissing: true})
	require.NoError(t, c.Update(ctx, sample))
	require.NoError(t, c.Clear(ctx, true))

	_, ok, err := c.Get(ctx, "CCO")
	require.NoError(t, err)
	assert.False(t, ok, "cleared cache serves nothing")
	assert.FileExists(t, path)
	require.NoError(t, c.Close(ctx))

	again := openFile(t, path, FileOptions{Encoding: EncodingBolt})
	defer again.Close(ctx)
	got, err := ToMap(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, sampleMap(t, nil), got)
}

func TestFileClosed(t *testing.T) {
	ctx := context.Background()
	c := openFile(t, filepath.Join(t.TempDir(), "fp.bolt"), FileOptions{Encoding: EncodingBolt, CreateIfMissing: true})
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	_, err := c.Len(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SaveToFile(ctx, "", 0), ErrClosed)
}

func TestToRecord(t *testing.T) {
	ctx := context.Background()
	k, err := keyer.New(keyer.Canonical)
	require.NoError(t, err)
	c := openFile(t, filepath.Join(t.TempDir(), "fp.parquet"), FileOptions{Keyer: k, CreateIfMissing: true})
	defer c.Close(ctx)
	require.NoError(t, c.Update(ctx, map[string]Vector{"a": {1, 2}, "b": {3}}))

	rec, err := c.ToRecord(ctx, false)
	require.NoError(t, err)
	defer rec.Release()
	assert.EqualValues(t, 2, rec.NumRows())
	assert.Equal(t, "keys", rec.ColumnName(0))
	assert.Equal(t, "values", rec.ColumnName(1))
	assert.True(t, arrow.TypeEqual(arrow.ListOf(arrow.PrimitiveTypes.Float64), rec.Column(1).DataType()))
	es, err := recordEntries(rec)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"a", Vector{1, 2}}, {"b", Vector{3}}}, es)

	packed, err := c.ToRecord(ctx, true)
	require.NoError(t, err)
	defer packed.Release()
	col, ok := packed.Column(1).(*array.String)
	require.True(t, ok)
	v, err := UnpackBits(col.Value(0))
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 2}, v)
}

func TestStateDictRoundTrip(t *testing.T) {
	ctx := context.Background()
	k, err := keyer.New(keyer.SHA256)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "fp.csv")

	c := openFile(t, path, FileOptions{Encoding: EncodingCSV, Name: "fp", Jobs: 3, Keyer: k, CreateIfMissing: true, PreserveOnExit: true})
	require.NoError(t, c.Update(ctx, sample))
	sd, err := c.ToStateDict(ctx, true)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, StateDict{
		Tag: FileStateTag, Path: path, Name: "fp", Jobs: 3,
		Encoding: "csv", Keyer: keyer.State{Strategy: keyer.SHA256},
	}, sd)

	for name, f := range map[string]StateFormat{"cbor": StateCBOR, "json": StateJSON, "proto": StateProto} {
		t.Run(name, func(t *testing.T) {
			b, err := EncodeState(sd, f)
			require.NoError(t, err)
			back, err := DecodeState(b, f)
			require.NoError(t, err)
			assert.Equal(t, sd, back)
		})
	}

	again, err := FromStateDict(ctx, sd, func(o *FileOptions) { o.Name = "reopened" })
	require.NoError(t, err)
	defer again.Close(ctx)
	assert.Equal(t, "reopened", again.Name())
	got, err := ToMap(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, sampleMap(t, k), got)
}

func TestStateCBORDeterministic(t *testing.T) {
	sd := StateDict{Tag: FileStateTag, Path: "/x", Name: "n", Encoding: "bolt", Keyer: keyer.State{Strategy: keyer.UniqueID}}
	a, err := EncodeState(sd, StateCBOR)
	require.NoError(t, err)
	b, err := EncodeState(sd, StateCBOR)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromStateDictRejectsTag(t *testing.T) {
	_, err := FromStateDict(context.Background(), StateDict{Tag: "MemoryCache", Encoding: "csv"}, nil)
	assert.ErrorIs(t, err, ErrStateTag)
}

func TestPackBitsRoundTrip(t *testing.T) {
	nan := math.Float64frombits(0x7ff800000000beef)
	in := Vector{0, -0.5, math.SmallestNonzeroFloat64, math.Inf(1), nan}
	s, err := PackBits(in)
	require.NoError(t, err)
	assert.NotContains(t, s, ",")
	assert.NotContains(t, s, "\n")

	out, err := UnpackBits(s)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, math.Float64bits(in[i]), math.Float64bits(out[i]), "index %d", i)
	}

	empty, err := PackBits(nil)
	require.NoError(t, err)
	back, err := UnpackBits(empty)
	require.NoError(t, err)
	assert.Empty(t, back)

	_, err = UnpackBits("%%%")
	assert.Error(t, err)
	_, err = UnpackBits("aGVsbG8=")
	assert.Error(t, err)
}
