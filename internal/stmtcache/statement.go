// Package stmtcache implements the prepared-statement rewrite protocol of
// spec.md §4.F: client-assigned statement names are rewritten to
// pool-global, content-addressed names, with a bounded per-backend LRU
// tracking which names a given backend has actually Parse'd.
package stmtcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/jackc/pgproto3/v2"
)

const globalNamePrefix = "pgdoorman_stmt_"

// Statement is a content-addressed, process-global, immutable prepared
// statement (spec.md §3). digest is ≥128 bits, satisfying the
// collision-probability invariant of spec.md §4.F.
type Statement struct {
	Digest        [32]byte
	GlobalName    string
	QueryText     string
	ParameterOIDs []uint32
}

func digest(queryText string, paramOIDs []uint32) [32]byte {
	h := sha256.New()
	h.Write([]byte(queryText))
	buf := make([]byte, 4)
	for _, oid := range paramOIDs {
		binary.BigEndian.PutUint32(buf, oid)
		h.Write(buf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Registry is the process-global digest → Statement map (spec.md §4.F,
// §5: "read-mostly map with single writer elected per insertion").
type Registry struct {
	mu    sync.RWMutex
	byKey map[[32]byte]*Statement
}

// NewRegistry creates an empty statement registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[[32]byte]*Statement)}
}

// Intern returns the Statement for (queryText, paramOIDs), creating it on
// first sight. Statements are never removed — spec.md §3 marks them
// "never garbage-collected at process level".
func (r *Registry) Intern(queryText string, paramOIDs []uint32) *Statement {
	key := digest(queryText, paramOIDs)

	r.mu.RLock()
	if s, ok := r.byKey[key]; ok {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[key]; ok {
		return s
	}
	s := &Statement{
		Digest:        key,
		GlobalName:    globalNamePrefix + hex.EncodeToString(key[:]),
		QueryText:     queryText,
		ParameterOIDs: paramOIDs,
	}
	r.byKey[key] = s
	return s
}

// ParseMessage renders the Parse message the pooler sends to a backend
// the first time it needs s prepared there.
func (s *Statement) ParseMessage() *pgproto3.Parse {
	return &pgproto3.Parse{
		Name:          s.GlobalName,
		Query:         s.QueryText,
		ParameterOIDs: s.ParameterOIDs,
	}
}
