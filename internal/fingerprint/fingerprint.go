package fingerprint

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/partitioncache/partitioncache/internal/sqlast"
)

// digestSize is 16 bytes (128 bits).
const digestSize = 16

// Hash is a stable, short identifier for a fragment query's AST, encoded
// as lower-case hex.
type Hash string

// Of canonicalises stmt and hashes the result with a
// 128-bit BLAKE3 digest. AST-equivalent fragments (renamed aliases,
// reordered AND children, reordered IN-list elements, whitespace-only
// differences) always produce the same Hash.
func Of(stmt *sqlast.SelectStmt) (Hash, error) {
	if stmt == nil {
		return "", fmt.Errorf("%w: nil statement", ErrUnhashableFragment)
	}

	canon := canonicalSelect(stmt)
	text := sqlast.SerializeSelect(canon)

	h := blake3.New(digestSize, nil)
	if _, err := h.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnhashableFragment, err)
	}

	sum := h.Sum(nil)

	return Hash(hex.EncodeToString(sum)), nil
}

// OfSQL parses raw SQL and fingerprints it, for callers that have not
// already produced a sqlast.SelectStmt (e.g. hashing the whole-WHERE
// fallback fragment directly from text).
func OfSQL(sql string) (Hash, error) {
	stmt, err := sqlast.Parse(sql)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnhashableFragment, err)
	}

	return Of(stmt)
}

// CanonicalText exposes the canonical serialisation of stmt, mainly for
// tests that assert two differently-spelled fragments normalise alike.
func CanonicalText(stmt *sqlast.SelectStmt) string {
	return sqlast.SerializeSelect(canonicalSelect(stmt))
}
