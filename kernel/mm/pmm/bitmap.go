package pmm

// Bitmap provides a bit-addressable view over an externally-owned byte
// region. The caller retains ownership of the region; the bitmap performs
// no bounds checking of its own, so an index at or beyond Len is a
// contract violation that faults through the slice bounds check rather
// than corrupting adjacent memory.
type Bitmap struct {
	data []byte
}

// NewBitmap returns a Bitmap backed by data.
func NewBitmap(data []byte) Bitmap {
	return Bitmap{data: data}
}

// Test returns true if the bit at idx is set.
func (b Bitmap) Test(idx uint64) bool {
	return b.data[idx>>3]&(1<<(idx&7)) != 0
}

// Set marks the bit at idx.
func (b Bitmap) Set(idx uint64) {
	b.data[idx>>3] |= 1 << (idx & 7)
}

// Unset clears the bit at idx.
func (b Bitmap) Unset(idx uint64) {
	b.data[idx>>3] &^= 1 << (idx & 7)
}

// Len returns the number of bits addressable through the bitmap.
func (b Bitmap) Len() uint64 {
	return uint64(len(b.data)) * 8
}
