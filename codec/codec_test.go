package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type sample struct {
	Name  string    `json:"name" msgpack:"name" cbor:"name"`
	Jobs  int       `json:"jobs" msgpack:"jobs" cbor:"jobs"`
	Value []float64 `json:"value" msgpack:"value" cbor:"value"`
}

func TestCodecsRoundTrip(t *testing.T) {
	in := sample{Name: "fp", Jobs: 4, Value: []float64{1, 0.5}}
	codecs := map[string]Codec[sample]{
		"json":    JSON[sample]{},
		"msgpack": Msgpack[sample]{},
		"sorted":  Msgpack[sample]{SortKeys: true},
		"cbor":    MustCBOR[sample](true),
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestMsgpackSortKeysIsStable(t *testing.T) {
	m := map[string][]float64{}
	for _, k := range []string{"k9", "k1", "k5", "k3", "k7", "k2"} {
		m[k] = []float64{1}
	}
	c := Msgpack[map[string][]float64]{SortKeys: true}
	first, err := c.Encode(m)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Encode(m)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again), "encoding changed between runs")
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := MustCBOR[map[string]int](true)
	a, err := c.Encode(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := c.Encode(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLimitCodec(t *testing.T) {
	c := LimitCodec[sample]{Inner: JSON[sample]{}, MaxDecode: 8}
	b, err := c.Encode(sample{Name: "long enough to exceed"})
	require.NoError(t, err)
	_, err = c.Decode(b)
	assert.Error(t, err)

	unlimited := LimitCodec[sample]{Inner: JSON[sample]{}}
	_, err = unlimited.Decode(b)
	assert.NoError(t, err)
}

func TestProtobufStruct(t *testing.T) {
	c := NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
	in, err := structpb.NewStruct(map[string]any{"name": "fp", "n_jobs": 2.0})
	require.NoError(t, err)
	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in.AsMap(), out.AsMap())
}
