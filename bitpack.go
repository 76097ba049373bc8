package featcache

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/unkn0wn-root/featcache/internal/wire"
)

// PackBits turns a vector into printable text: base64(zlib(wire frame)).
// UnpackBits reverses it bit for bit.
func PackBits(v Vector) (string, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(wire.EncodeVector(0, v)); err != nil {
		return "", fmt.Errorf("featcache: pack: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("featcache: pack: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func UnpackBits(s string) (Vector, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("featcache: unpack: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("featcache: unpack: %w", err)
	}
	defer zr.Close()
	frame, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("featcache: unpack: %w", err)
	}
	_, vals, err := wire.DecodeVector(frame)
	if err != nil {
		return nil, fmt.Errorf("featcache: unpack: %w", err)
	}
	return Vector(vals), nil
}
