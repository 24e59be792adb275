package cache

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

// brotliMarker prefixes compressed records. Plain records are JSON objects and
// always start with '{', so both kinds stay readable after a config change.
const brotliMarker byte = 0x01

type Codec struct {
	compress bool
	quality  int
}

func NewCodec(compression string) *Codec {
	return &Codec{
		compress: compression == "brotli",
		quality:  brotli.DefaultCompression,
	}
}

func (c *Codec) Encode(entry *types.CacheEntry) ([]byte, error) {
	data, err := utils.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if !c.compress {
		return data, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(brotliMarker)

	w := brotli.NewWriterLevel(&buf, c.quality)
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *Codec) Decode(data []byte) (*types.CacheEntry, error) {
	if len(data) == 0 {
		return nil, types.ErrCacheRecordCorrupted
	}

	if data[0] == brotliMarker {
		plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data[1:])))
		if err != nil {
			return nil, types.Errorf(types.ErrCacheRecordCorrupted, "brotli: %v", err)
		}
		data = plain
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		return nil, types.Errorf(types.ErrCacheRecordCorrupted, "%v", err)
	}
	if entry.StoredAt.IsZero() {
		return nil, types.Errorf(types.ErrCacheRecordCorrupted, "missing stored_at")
	}

	return &entry, nil
}
