package types

import "encoding/binary"

// Packed wire sizes, matching the original C++ structs byte for byte:
// OfflineSecret = tag(8) + next_tag(8) + share{x,y}(4+4) + preshare(52).
const (
	OfflineSecretSize = 8 + 8 + 4 + 4 + PreshareSize // 76
	QuerySize         = 8 + 4                        // 12
	ResponseSize      = 4 + SigSize                  // 52
)

// PutOfflineSecret encodes s into buf[:OfflineSecretSize].
func PutOfflineSecret(buf []byte, s OfflineSecret) {
	binary.LittleEndian.PutUint64(buf[0:8], s.Tag)
	binary.LittleEndian.PutUint64(buf[8:16], s.NextTag)
	binary.LittleEndian.PutUint32(buf[16:20], s.Share.X)
	binary.LittleEndian.PutUint32(buf[20:24], s.Share.Y)
	copy(buf[24:24+PreshareSize], s.Preshare[:])
}

// OfflineSecretFrom decodes an OfflineSecret from buf[:OfflineSecretSize].
func OfflineSecretFrom(buf []byte) OfflineSecret {
	var s OfflineSecret
	s.Tag = binary.LittleEndian.Uint64(buf[0:8])
	s.NextTag = binary.LittleEndian.Uint64(buf[8:16])
	s.Share.X = binary.LittleEndian.Uint32(buf[16:20])
	s.Share.Y = binary.LittleEndian.Uint32(buf[20:24])
	copy(s.Preshare[:], buf[24:24+PreshareSize])
	return s
}

// PutQuery encodes q into buf[:QuerySize].
func PutQuery(buf []byte, q Query) {
	binary.LittleEndian.PutUint64(buf[0:8], q.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], q.Tally)
}

// QueryFrom decodes a Query from buf[:QuerySize].
func QueryFrom(buf []byte) Query {
	var q Query
	q.Tag = binary.LittleEndian.Uint64(buf[0:8])
	q.Tally = binary.LittleEndian.Uint32(buf[8:12])
	return q
}

// PutResponse encodes r into buf[:ResponseSize].
func PutResponse(buf []byte, r Response) {
	binary.LittleEndian.PutUint32(buf[0:4], r.Value)
	copy(buf[4:4+SigSize], r.Sig[:])
}

// ResponseFrom decodes a Response from buf[:ResponseSize].
func ResponseFrom(buf []byte) Response {
	var r Response
	r.Value = binary.LittleEndian.Uint32(buf[0:4])
	copy(r.Sig[:], buf[4:4+SigSize])
	return r
}

// XORPreshare writes a ^ b into dst across a Preshare/Response-width buffer
// (PreshareSize bytes), a 64-bit word at a time for speed as in the
// original's sharing::additive XOR helper. dst may alias a or b.
func XORPreshare(dst, a, b []byte) {
	i := 0
	for ; i+8 <= PreshareSize; i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(a[i:])^binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < PreshareSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}
