// Package batch holds the fixed-capacity containers the protocol moves
// one round's worth of queries, responses, and ciphers through.
//
// The original implementation hand-manages raw byte buffers with pointer
// arithmetic to avoid any extra copy or allocation on the read path. Go's
// slices already give that contiguity and the runtime already amortizes
// the allocation, so Buffer is a thin typed wrapper around a
// preallocated slice rather than a byte-level reimplementation. The one
// piece of domain structure worth keeping explicit is HybridCipherBatch's
// short/long two-region layout: processed (short) ciphers and
// yet-to-process (long) ciphers share one contiguous allocation so a
// party can peel a layer in place without a second buffer.
package batch

import "fmt"

// Buffer is a fixed-capacity, append-only collection of T.
type Buffer[T any] struct {
	items []T
}

// NewBuffer allocates a Buffer with room for exactly capacity items.
func NewBuffer[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{items: make([]T, 0, capacity)}
}

// PushBack appends v. It panics if the buffer is already full, since a
// batch overrun is always a protocol invariant violation, not a runtime
// condition to recover from.
func (b *Buffer[T]) PushBack(v T) {
	if len(b.items) == cap(b.items) {
		panic(fmt.Sprintf("batch: PushBack on full buffer (capacity %d)", cap(b.items)))
	}
	b.items = append(b.items, v)
}

// Full reports whether the buffer has reached capacity.
func (b *Buffer[T]) Full() bool { return len(b.items) == cap(b.items) }

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int { return len(b.items) }

// Capacity returns the buffer's fixed capacity.
func (b *Buffer[T]) Capacity() int { return cap(b.items) }

// Items returns the underlying slice of held items. Callers must not
// retain it past the buffer's next mutation.
func (b *Buffer[T]) Items() []T { return b.items }

// Get returns the item at idx.
func (b *Buffer[T]) Get(idx int) T { return b.items[idx] }

// Set overwrites the item at idx, which must already be populated.
func (b *Buffer[T]) Set(idx int, v T) { b.items[idx] = v }

// Reset empties the buffer without releasing its backing array.
func (b *Buffer[T]) Reset() { b.items = b.items[:0] }

// CipherBuffer holds onion ciphers, which are fixed-width within one batch
// (every cipher in a batch wraps the same number of remaining layers) but
// whose width varies across batches, so it's parameterized by cipherSize
// at construction rather than by a Go type.
type CipherBuffer struct {
	data       []byte
	cipherSize int
	count      int
}

// NewCipherBuffer allocates room for exactly capacity ciphers of the given
// size in bytes.
func NewCipherBuffer(capacity, cipherSize int) *CipherBuffer {
	return &CipherBuffer{data: make([]byte, 0, capacity*cipherSize), cipherSize: cipherSize}
}

// PushBack appends one cipher, which must be exactly cipherSize bytes.
func (c *CipherBuffer) PushBack(cipher []byte) {
	if len(cipher) != c.cipherSize {
		panic(fmt.Sprintf("batch: cipher is %d bytes, buffer expects %d", len(cipher), c.cipherSize))
	}
	if len(c.data)+c.cipherSize > cap(c.data) {
		panic("batch: PushBack on full cipher buffer")
	}
	c.data = append(c.data, cipher...)
	c.count++
}

// Get returns a view of the idx'th cipher. The returned slice aliases the
// buffer's backing array.
func (c *CipherBuffer) Get(idx int) []byte {
	start := idx * c.cipherSize
	return c.data[start : start+c.cipherSize]
}

// Len returns the number of ciphers currently held.
func (c *CipherBuffer) Len() int { return c.count }

// CipherSize returns the fixed width of one cipher in this buffer.
func (c *CipherBuffer) CipherSize() int { return c.cipherSize }

// Reset empties the buffer without releasing its backing array.
func (c *CipherBuffer) Reset() {
	c.data = c.data[:0]
	c.count = 0
}

// HybridCipherBatch stores two regions of ciphers in one contiguous
// allocation: a "short" region of already-processed ciphers (one layer
// peeled) at the front, and a "long" region of yet-to-process ciphers
// after it. A party drains the long region one cipher at a time with
// PopLong, decrypts it, and appends the result to the short region via
// PushShort — so the boundary between the two regions is the
// only bookkeeping needed; the invariant `head <= longOffset` must hold
// for the whole batch's lifetime, since the short region can never grow
// past where the long region begins.
type HybridCipherBatch struct {
	data []byte

	shortSize int
	longSize  int

	head       int // next short-region write offset
	longOffset int // fixed boundary: where the long region begins
	firstLong  int // next long-region read offset
	lastLong   int // next long-region write offset
	end        int // end of the allocation
}

// NewHybridCipherBatch allocates room for shortCount ciphers of shortSize
// bytes followed by longCount ciphers of longSize bytes.
func NewHybridCipherBatch(shortCount, shortSize, longCount, longSize int) *HybridCipherBatch {
	shortBytes := shortCount * shortSize
	longBytes := longCount * longSize
	return &HybridCipherBatch{
		data:       make([]byte, shortBytes+longBytes),
		shortSize:  shortSize,
		longSize:   longSize,
		head:       0,
		longOffset: shortBytes,
		firstLong:  shortBytes,
		lastLong:   shortBytes,
		end:        shortBytes + longBytes,
	}
}

// FullLong reports whether the long region has been entirely filled.
func (h *HybridCipherBatch) FullLong() bool { return h.lastLong == h.end }

// HasLong reports whether any unprocessed long cipher remains.
func (h *HybridCipherBatch) HasLong() bool { return h.firstLong < h.lastLong }

// PushShort appends cipher to the short region (used first for a party's
// own noise ciphers, then for each received cipher once a layer is peeled).
func (h *HybridCipherBatch) PushShort(cipher []byte) {
	if len(cipher) != h.shortSize {
		panic(fmt.Sprintf("batch: short cipher is %d bytes, expected %d", len(cipher), h.shortSize))
	}
	if h.head+h.shortSize > h.longOffset {
		panic("batch: short region would overrun the long region")
	}
	copy(h.data[h.head:], cipher)
	h.head += h.shortSize
}

// PushLong appends cipher to the long region.
func (h *HybridCipherBatch) PushLong(cipher []byte) {
	if len(cipher) != h.longSize {
		panic(fmt.Sprintf("batch: long cipher is %d bytes, expected %d", len(cipher), h.longSize))
	}
	if h.lastLong+h.longSize > h.end {
		panic("batch: PushLong on full long region")
	}
	copy(h.data[h.lastLong:], cipher)
	h.lastLong += h.longSize
}

// PopLong returns a view of the next unprocessed long cipher and advances
// past it. The caller is expected to decrypt it and append the shorter
// result via PushShort.
func (h *HybridCipherBatch) PopLong() []byte {
	cipher := h.data[h.firstLong : h.firstLong+h.longSize]
	h.firstLong += h.longSize
	return cipher
}

// GetShort returns a view of the idx'th short cipher.
func (h *HybridCipherBatch) GetShort(idx int) []byte {
	start := idx * h.shortSize
	return h.data[start : start+h.shortSize]
}

// SetShort overwrites the idx'th short-region slot with v, which must be
// exactly shortSize bytes and must lie within the short region.
func (h *HybridCipherBatch) SetShort(idx int, v []byte) {
	if len(v) != h.shortSize {
		panic(fmt.Sprintf("batch: short value is %d bytes, expected %d", len(v), h.shortSize))
	}
	start := idx * h.shortSize
	if start+h.shortSize > h.longOffset {
		panic("batch: short region would overrun the long region")
	}
	copy(h.data[start:start+h.shortSize], v)
	if start+h.shortSize > h.head {
		h.head = start + h.shortSize
	}
}

// ShortLen returns how many short-region slots have been written so far.
func (h *HybridCipherBatch) ShortLen() int { return h.head / h.shortSize }
