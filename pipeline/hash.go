package pipeline

import (
	"encoding/binary"
	"hash"
	"hash/fnv"

	"github.com/gogpu/gputypes"
)

// Hasher creates the running hash used for descriptor keys. The default
// is 64-bit FNV-1a. Hash values only select a bucket; entries are always
// confirmed with an equality check.
type Hasher func() hash.Hash64

// DefaultHasher is FNV-1a.
func DefaultHasher() hash.Hash64 { return fnv.New64a() }

// hashBytes computes an FNV-1a hash of a byte slice.
func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteString is length-prefixed so that adjacent strings never
// collide by concatenation.
//
//nolint:gosec // G115: labels and entry points are short
func hashWriteString(h hash.Hash64, s string) {
	hashWriteUint32(h, uint32(len(s)))
	_, _ = h.Write([]byte(s))
}

func hashWriteBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}

//nolint:gosec // G115: slice lengths in descriptors are bounded by device limits
func hashWriteLen(h hash.Hash64, n int) {
	hashWriteUint32(h, uint32(n))
}

func hashWriteBlend(h hash.Hash64, b *gputypes.BlendState) {
	hashWriteBool(h, b != nil)
	if b == nil {
		return
	}
	hashWriteUint32(h, uint32(b.Color.SrcFactor))
	hashWriteUint32(h, uint32(b.Color.DstFactor))
	hashWriteUint32(h, uint32(b.Color.Operation))
	hashWriteUint32(h, uint32(b.Alpha.SrcFactor))
	hashWriteUint32(h, uint32(b.Alpha.DstFactor))
	hashWriteUint32(h, uint32(b.Alpha.Operation))
}

func hashWriteEntry(h hash.Hash64, e *gputypes.BindGroupLayoutEntry) {
	hashWriteUint32(h, e.Binding)
	hashWriteUint32(h, uint32(e.Visibility))

	hashWriteBool(h, e.Buffer != nil)
	if b := e.Buffer; b != nil {
		hashWriteUint32(h, uint32(b.Type))
		hashWriteBool(h, b.HasDynamicOffset)
		hashWriteUint64(h, b.MinBindingSize)
	}
	hashWriteBool(h, e.Sampler != nil)
	if s := e.Sampler; s != nil {
		hashWriteUint32(h, uint32(s.Type))
	}
	hashWriteBool(h, e.Texture != nil)
	if t := e.Texture; t != nil {
		hashWriteUint32(h, uint32(t.SampleType))
		hashWriteUint32(h, uint32(t.ViewDimension))
		hashWriteBool(h, t.Multisampled)
	}
	hashWriteBool(h, e.StorageTexture != nil)
	if s := e.StorageTexture; s != nil {
		hashWriteUint32(h, uint32(s.Access))
		hashWriteUint32(h, uint32(s.Format))
		hashWriteUint32(h, uint32(s.ViewDimension))
	}
}
