package featcache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/featcache/codec"
	"github.com/unkn0wn-root/featcache/internal/wire"
)

// Encoding selects the on-disk layout of a FileCache.
type Encoding uint8

const (
	encodingInvalid Encoding = iota
	// EncodingMsgpack is a binary dump of map[key][]float64.
	EncodingMsgpack
	// EncodingCSV is a keys,values record file; values are PackBits text.
	EncodingCSV
	// EncodingParquet is a keys,values columnar file; values are list<double>.
	EncodingParquet
	// EncodingBolt is a hierarchical store: one bucket per key, holding the
	// wire-framed vector under "data". The file stays open while cached.
	EncodingBolt
)

var encodingTags = map[string]Encoding{
	"msgpack": EncodingMsgpack,
	"dump":    EncodingMsgpack,
	"csv":     EncodingCSV,
	"parquet": EncodingParquet,
	"pq":      EncodingParquet,
	"bolt":    EncodingBolt,
	"hier":    EncodingBolt,
}

// ParseEncoding maps a file type tag to an Encoding.
func ParseEncoding(tag string) (Encoding, error) {
	e, ok := encodingTags[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return encodingInvalid, &ConfigError{Field: "encoding", Value: tag, Err: ErrUnsupportedEncoding}
	}
	return e, nil
}

func (e Encoding) String() string {
	switch e {
	case EncodingMsgpack:
		return "msgpack"
	case EncodingCSV:
		return "csv"
	case EncodingParquet:
		return "parquet"
	case EncodingBolt:
		return "bolt"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

func (e Encoding) valid() bool { return e >= EncodingMsgpack && e <= EncodingBolt }

const (
	colKeys   = "keys"
	colValues = "values"

	boltDataKey = "data"
)

var dumpCodec = codec.Msgpack[map[string][]float64]{SortKeys: true}

// load reads path into a resident mapping. A missing file yields an empty
// mapping only when create is set.
func (e Encoding) load(ctx context.Context, path string, create bool) (mapping, error) {
	if e == EncodingBolt {
		return openBolt(path, create)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && create {
		return newLocalMap(), nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	switch e {
	case EncodingMsgpack:
		data, derr := dumpCodec.Decode(b)
		if derr != nil {
			return nil, derr
		}
		entries = sortedEntries(data)
	case EncodingCSV:
		entries, err = decodeCSV(b)
	case EncodingParquet:
		entries, err = decodeParquet(ctx, b)
	default:
		return nil, ErrUnsupportedEncoding
	}
	if err != nil {
		return nil, err
	}
	m := newLocalMap()
	_ = m.put(ctx, entries)
	return m, nil
}

// save writes entries to path, replacing any previous content.
func (e Encoding) save(ctx context.Context, path string, entries []Entry) error {
	var b []byte
	var err error
	switch e {
	case EncodingMsgpack:
		data := make(map[string][]float64, len(entries))
		for _, it := range entries {
			data[it.Key] = it.Value
		}
		b, err = dumpCodec.Encode(data)
	case EncodingCSV:
		b, err = encodeCSV(entries)
	case EncodingParquet:
		b, err = encodeParquet(entries)
	case EncodingBolt:
		return saveBolt(ctx, path, entries)
	default:
		return ErrUnsupportedEncoding
	}
	if err != nil {
		return err
	}
	return writeFile(path, b)
}

func recordSchema(packBits bool) *arrow.Schema {
	var valType arrow.DataType = arrow.ListOf(arrow.PrimitiveTypes.Float64)
	if packBits {
		valType = arrow.BinaryTypes.String
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: colKeys, Type: arrow.BinaryTypes.String},
		{Name: colValues, Type: valType},
	}, nil)
}

// buildRecord lays entries out as the two-column keys,values table.
func buildRecord(mem memory.Allocator, entries []Entry, packBits bool) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, recordSchema(packBits))
	defer b.Release()

	kb := b.Field(0).(*array.StringBuilder)
	for _, it := range entries {
		kb.Append(it.Key)
	}
	if packBits {
		vb := b.Field(1).(*array.StringBuilder)
		for _, it := range entries {
			s, err := PackBits(it.Value)
			if err != nil {
				return nil, err
			}
			vb.Append(s)
		}
	} else {
		lb := b.Field(1).(*array.ListBuilder)
		fb := lb.ValueBuilder().(*array.Float64Builder)
		for _, it := range entries {
			lb.Append(true)
			fb.AppendValues(it.Value, nil)
		}
	}
	return b.NewRecord(), nil
}

// recordEntries reads a keys,values record whose values are either packed
// strings or float64 lists.
func recordEntries(rec arrow.Record) ([]Entry, error) {
	ki := rec.Schema().FieldIndices(colKeys)
	vi := rec.Schema().FieldIndices(colValues)
	if len(ki) != 1 || len(vi) != 1 {
		return nil, fmt.Errorf("featcache: expected columns %q and %q, got %v", colKeys, colValues, rec.Schema())
	}
	keys, ok := rec.Column(ki[0]).(*array.String)
	if !ok {
		return nil, fmt.Errorf("featcache: column %q is %s, want utf8", colKeys, rec.Column(ki[0]).DataType())
	}

	n := int(rec.NumRows())
	out := make([]Entry, 0, n)
	switch vals := rec.Column(vi[0]).(type) {
	case *array.String:
		for i := 0; i < n; i++ {
			v, err := UnpackBits(vals.Value(i))
			if err != nil {
				return nil, fmt.Errorf("featcache: row %d: %w", i, err)
			}
			out = append(out, Entry{Key: keys.Value(i), Value: v})
		}
	case *array.List:
		floats, ok := vals.ListValues().(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("featcache: column %q items are %s, want double", colValues, vals.ListValues().DataType())
		}
		for i := 0; i < n; i++ {
			var v Vector
			if vals.IsValid(i) {
				start, end := vals.ValueOffsets(i)
				v = make(Vector, 0, end-start)
				for j := start; j < end; j++ {
					v = append(v, floats.Value(int(j)))
				}
			}
			out = append(out, Entry{Key: keys.Value(i), Value: v})
		}
	default:
		return nil, fmt.Errorf("featcache: column %q has unsupported type %s", colValues, vals.DataType())
	}
	return out, nil
}

func encodeCSV(entries []Entry) ([]byte, error) {
	rec, err := buildRecord(memory.DefaultAllocator, entries, true)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf, rec.Schema(), csv.WithHeader(true))
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCSV accepts an empty, blank or header-only file as an empty table.
func decodeCSV(b []byte) ([]Entry, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	header, err := bufio.NewReader(bytes.NewReader(b)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if got := strings.TrimSpace(strings.TrimPrefix(header, "\ufeff")); got != colKeys+","+colValues {
		return nil, fmt.Errorf("featcache: csv header %q, want %q", got, colKeys+","+colValues)
	}

	r := csv.NewReader(bytes.NewReader(b), recordSchema(true), csv.WithHeader(true), csv.WithChunk(1024))
	defer r.Release()
	var out []Entry
	for r.Next() {
		es, err := recordEntries(r.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

func encodeParquet(entries []Entry) ([]byte, error) {
	rec, err := buildRecord(memory.DefaultAllocator, entries, false)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(rec.Schema(), &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeParquet(ctx context.Context, b []byte) ([]Entry, error) {
	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(b), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()
	out := make([]Entry, 0, tbl.NumRows())
	for tr.Next() {
		es, err := recordEntries(tr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	if err := tr.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// boltMap is the mapping of an open hierarchical file.
type boltMap struct {
	db *bolt.DB
}

func openBolt(path string, create bool) (*boltMap, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &boltMap{db: db}, nil
}

func (b *boltMap) get(_ context.Context, key string) (Vector, bool, error) {
	var out Vector
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(key))
		if bk == nil {
			return nil
		}
		raw := bk.Get([]byte(boltDataKey))
		if raw == nil {
			return nil
		}
		_, vals, err := wire.DecodeVector(raw)
		if err != nil {
			return fmt.Errorf("featcache: dataset %q: %w", key, err)
		}
		out, found = vals, true
		return nil
	})
	return out, found, err
}

func (b *boltMap) put(_ context.Context, entries []Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error { return putBolt(tx, entries) })
}

func putBolt(tx *bolt.Tx, entries []Entry) error {
	for _, e := range entries {
		bk, err := tx.CreateBucketIfNotExists([]byte(e.Key))
		if err != nil {
			return fmt.Errorf("featcache: dataset %q: %w", e.Key, err)
		}
		if err := bk.Put([]byte(boltDataKey), wire.EncodeVector(0, e.Value)); err != nil {
			return err
		}
	}
	return nil
}

func (b *boltMap) entries(context.Context) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bk *bolt.Bucket) error {
			raw := bk.Get([]byte(boltDataKey))
			if raw == nil {
				return nil
			}
			_, vals, err := wire.DecodeVector(raw)
			if err != nil {
				return fmt.Errorf("featcache: dataset %q: %w", name, err)
			}
			out = append(out, Entry{Key: string(name), Value: vals})
			return nil
		})
	})
	return out, err
}

func (b *boltMap) size(context.Context) (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, bk *bolt.Bucket) error {
			if bk.Get([]byte(boltDataKey)) != nil {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (b *boltMap) sync(context.Context) error { return b.db.Sync() }

func (b *boltMap) reset(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, n := range names {
			if err := tx.DeleteBucket(n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltMap) close(context.Context) error { return b.db.Close() }

// saveBolt writes a fresh hierarchical file at path.
func saveBolt(_ context.Context, path string, entries []Entry) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := writeFile(path, nil); err != nil {
		return err
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	if err := db.Update(func(tx *bolt.Tx) error { return putBolt(tx, entries) }); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}
