// Package canonhash produces "sha256:"-prefixed digests used for ETags.
package canonhash

import (
	"github.com/accordsai/signdesk/pkg/evidencehash"
)

const Prefix = "sha256:"

// SumObject digests the canonical JSON form of v.
func SumObject(v any) (string, []byte, error) {
	h, b, err := evidencehash.CanonicalSHA256(v)
	if err != nil {
		return "", nil, err
	}
	return Prefix + h, b, nil
}

// ETag is a strong entity tag for the canonical form of v.
func ETag(v any) (string, error) {
	h, _, err := SumObject(v)
	if err != nil {
		return "", err
	}
	return `"` + h[len(Prefix):] + `"`, nil
}
