package types

import (
	"crypto/rand"
	"encoding/binary"
)

// Database is the backend's immutable, in-memory, fixed-width key-value
// store. Row generation itself is out of scope (an external collaborator
// per the spec) — NewDatabase below is the minimal deterministic generator
// used for tests and local runs; a real deployment would load rows from
// whatever system of record it fronts.
type Database struct {
	rows []Response
}

// NewDatabase builds a database with keys in [0, size), each row holding a
// deterministic, easily-checked payload (2*key) and a signature slot filled
// with key%128, matching the reference generator's fixture shape.
func NewDatabase(size Index) *Database {
	rows := make([]Response, size)
	for i := Index(0); i < size; i++ {
		rows[i].Value = 2 * i
		for j := range rows[i].Sig {
			rows[i].Sig[j] = byte(i % 128)
		}
	}
	return &Database{rows: rows}
}

// Size returns the number of rows.
func (d *Database) Size() Index { return Index(len(d.rows)) }

// Lookup returns the row for key k. Callers must ensure k < Size(); this
// mirrors the original's uniform-cost array index with no bounds padding.
func (d *Database) Lookup(k Key) Response { return d.rows[k] }

// RandomRow draws a uniformly random key in [0, Size()) for use by clients
// picking which row to query; how a real client picks its key is out of
// scope, this is the reference/benchmark implementation.
func (d *Database) RandomRow() Key {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return Key(binary.LittleEndian.Uint64(buf[:]) % uint64(len(d.rows)))
}
