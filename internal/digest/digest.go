package digest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/store"
)

// Hash domains. The version suffix changes if the encoding ever does.
const (
	DomainTable = "learnsync/table/v1"
	DomainState = "learnsync/state/v1"
)

// hashWithDomain returns hex(SHA-256(domain || 0x00 || data)).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Table hashes every row of one table, in key order.
func Table(ctx context.Context, t *store.Table) (string, error) {
	rows, err := t.ToArray(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(string(t.Entity()))
	for _, raw := range rows {
		c, err := Canonical(raw)
		if err != nil {
			return "", fmt.Errorf("digest %s: %w", t.Entity(), err)
		}
		buf.WriteByte('\n')
		buf.Write(c)
	}
	return hashWithDomain(DomainTable, buf.Bytes()), nil
}

// Tables hashes each of entities in s.
func Tables(ctx context.Context, s *store.Store, entities []domain.Entity) (map[domain.Entity]string, error) {
	out := make(map[domain.Entity]string, len(entities))
	for _, e := range entities {
		h, err := Table(ctx, s.Table(e))
		if err != nil {
			return nil, err
		}
		out[e] = h
	}
	return out, nil
}

// State hashes entities of s into one digest. The entity order given is
// part of the hash.
func State(ctx context.Context, s *store.Store, entities []domain.Entity) (string, error) {
	tables, err := Tables(ctx, s, entities)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, e := range entities {
		buf.WriteString(string(e))
		buf.WriteByte('=')
		buf.WriteString(tables[e])
		buf.WriteByte('\n')
	}
	return hashWithDomain(DomainState, buf.Bytes()), nil
}

// Diff lists the entities whose table digests differ between a and b.
func Diff(a, b map[domain.Entity]string, entities []domain.Entity) []domain.Entity {
	var out []domain.Entity
	for _, e := range entities {
		if a[e] != b[e] {
			out = append(out, e)
		}
	}
	return out
}
