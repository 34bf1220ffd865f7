// Package evidencehash computes the digests recorded in evidence bundles.
package evidencehash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	RuleCanonicalJSON = "canonical_json_sorted_keys_v1"
	RuleUTF8          = "utf8_v1"
	RuleBundle        = "concat_artifact_hashes_v1"
)

// Canonicalize round-trips v through JSON so structs and decoded maps hash
// to the same bytes: object keys come out sorted either way.
func Canonicalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanonicalSHA256 hashes the canonical JSON encoding of v and returns the
// hex digest together with the hashed bytes.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Entry is one manifest line contributing to the bundle hash.
type Entry struct {
	Type   string
	ID     string
	SHA256 string
}

// ComputeBundleHash chains the bundle version, contract id, contract
// record hash and every manifest entry, one per line, in manifest order.
func ComputeBundleHash(bundleVersion, contractID, recordHash string, entries []Entry) string {
	var b strings.Builder
	b.WriteString(bundleVersion)
	b.WriteString("\n")
	b.WriteString(contractID)
	b.WriteString("\n")
	b.WriteString(recordHash)
	b.WriteString("\n")
	for _, e := range entries {
		b.WriteString(e.Type)
		b.WriteString("/")
		b.WriteString(e.ID)
		b.WriteString(":")
		b.WriteString(e.SHA256)
		b.WriteString("\n")
	}
	return HashStringSHA256Hex(b.String())
}

func HashStringSHA256Hex(s string) string {
	return HashBytesSHA256Hex([]byte(s))
}

func HashBytesSHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
