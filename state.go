package featcache

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/featcache/codec"
	"github.com/unkn0wn-root/featcache/keyer"
)

// FileStateTag identifies a FileCache state dict.
const FileStateTag = "FileCache"

// StateDict captures how to reopen a FileCache. The data itself stays in
// the file at Path.
type StateDict struct {
	Tag         string      `json:"_cache_name" cbor:"_cache_name" yaml:"_cache_name"`
	Path        string      `json:"cache_file" cbor:"cache_file" yaml:"cache_file"`
	Name        string      `json:"name" cbor:"name" yaml:"name"`
	Jobs        int         `json:"n_jobs" cbor:"n_jobs" yaml:"n_jobs"`
	Verbose     bool        `json:"verbose" cbor:"verbose" yaml:"verbose"`
	Encoding    string      `json:"file_type" cbor:"file_type" yaml:"file_type"`
	ClearOnExit bool        `json:"clear_on_exit" cbor:"clear_on_exit" yaml:"clear_on_exit"`
	Keyer       keyer.State `json:"keyer" cbor:"keyer" yaml:"keyer"`
}

// ToStateDict describes c. With flush, resident data is first saved to the
// cache's own path so that FromStateDict sees it.
func (c *FileCache) ToStateDict(ctx context.Context, flush bool) (StateDict, error) {
	if flush {
		if err := c.SaveToFile(ctx, "", 0); err != nil {
			return StateDict{}, err
		}
	}
	ks, err := c.keyer.State()
	if err != nil {
		return StateDict{}, fmt.Errorf("featcache: %s: state: %w", c.name, err)
	}
	return StateDict{
		Tag:         FileStateTag,
		Path:        c.path,
		Name:        c.name,
		Jobs:        c.jobs,
		Verbose:     c.verbose,
		Encoding:    c.enc.String(),
		ClearOnExit: c.clearOnExit,
		Keyer:       ks,
	}, nil
}

// FromStateDict reopens the cache sd describes. override, when non-nil, may
// adjust the options before the file is opened.
func FromStateDict(ctx context.Context, sd StateDict, override func(*FileOptions)) (*FileCache, error) {
	if sd.Tag != FileStateTag {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrStateTag, sd.Tag, FileStateTag)
	}
	enc, err := ParseEncoding(sd.Encoding)
	if err != nil {
		return nil, err
	}
	k, err := keyer.FromState(sd.Keyer)
	if err != nil {
		return nil, &ConfigError{Field: "keyer", Value: sd.Keyer.Strategy, Err: err}
	}
	opts := FileOptions{
		Encoding:       enc,
		Name:           sd.Name,
		Jobs:           sd.Jobs,
		Verbose:        sd.Verbose,
		Keyer:          k,
		PreserveOnExit: !sd.ClearOnExit,
	}
	if override != nil {
		override(&opts)
	}
	return OpenFile(ctx, sd.Path, opts)
}

// StateFormat is a byte encoding for a StateDict.
type StateFormat uint8

const (
	// StateCBOR is deterministic CBOR; equal dicts give equal bytes.
	StateCBOR StateFormat = iota
	StateJSON
	// StateProto is a google.protobuf.Struct.
	StateProto
)

var (
	stateCBOR  = codec.MustCBOR[StateDict](true)
	stateJSON  = codec.JSON[StateDict]{}
	stateProto = codec.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
)

func EncodeState(sd StateDict, f StateFormat) ([]byte, error) {
	switch f {
	case StateCBOR:
		return stateCBOR.Encode(sd)
	case StateJSON:
		return stateJSON.Encode(sd)
	case StateProto:
		s, err := stateToStruct(sd)
		if err != nil {
			return nil, err
		}
		return stateProto.Encode(s)
	default:
		return nil, fmt.Errorf("featcache: unknown state format %d", f)
	}
}

func DecodeState(b []byte, f StateFormat) (StateDict, error) {
	switch f {
	case StateCBOR:
		return stateCBOR.Decode(b)
	case StateJSON:
		return stateJSON.Decode(b)
	case StateProto:
		s, err := stateProto.Decode(b)
		if err != nil {
			return StateDict{}, err
		}
		// Struct numbers are doubles; the JSON hop turns them back into ints.
		raw, err := json.Marshal(s.AsMap())
		if err != nil {
			return StateDict{}, err
		}
		return stateJSON.Decode(raw)
	default:
		return StateDict{}, fmt.Errorf("featcache: unknown state format %d", f)
	}
}

func stateToStruct(sd StateDict) (*structpb.Struct, error) {
	raw, err := stateJSON.Encode(sd)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
