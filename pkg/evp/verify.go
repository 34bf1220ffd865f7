package evp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/accordsai/signdesk/pkg/evidencehash"
)

// VerifyBundleJSON recomputes every artifact hash, the manifest hash and
// the bundle hash from the raw JSON. Tampering is reported through the
// Result status; the error is reserved for internal failures.
func VerifyBundleJSON(bundleBytes []byte) (Result, error) {
	var bundle Bundle
	var rawRoot map[string]any
	if err := json.Unmarshal(bundleBytes, &bundle); err != nil {
		return malformed("invalid_json"), nil
	}
	if err := json.Unmarshal(bundleBytes, &rawRoot); err != nil {
		return malformed("invalid_json"), nil
	}
	if strings.TrimSpace(bundle.BundleVersion) == "" ||
		strings.TrimSpace(bundle.Contract.ContractID) == "" ||
		strings.TrimSpace(bundle.Contract.RecordHash) == "" ||
		strings.TrimSpace(bundle.Hashes.BundleHash) == "" ||
		strings.TrimSpace(bundle.Hashes.ManifestHash) == "" ||
		bundle.Manifest.Artifacts == nil {
		return malformed("missing_required_fields"), nil
	}
	if bundle.BundleVersion != BundleVersion {
		return Result{Status: StatusUnsupportedVersion, Details: map[string]any{"bundle_version": bundle.BundleVersion}}, nil
	}
	canon := bundle.Manifest.Canonicalization
	if canon.ManifestHashRule != evidencehash.RuleCanonicalJSON || canon.BundleHashRule != evidencehash.RuleBundle {
		return Result{
			Status: StatusUnsupportedVersion,
			Details: map[string]any{
				"manifest_hash_rule": canon.ManifestHashRule,
				"bundle_hash_rule":   canon.BundleHashRule,
			},
		}, nil
	}

	seen := map[string]struct{}{}
	for i, item := range bundle.Manifest.Artifacts {
		if item.ArtifactType == "" || item.ArtifactID == "" {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "manifest_artifact_missing_fields", "index": i}}, nil
		}
		k := item.ArtifactType + "\x00" + item.ArtifactID
		if _, ok := seen[k]; ok {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "duplicate_manifest_artifact", "artifact_type": item.ArtifactType, "artifact_id": item.ArtifactID}}, nil
		}
		seen[k] = struct{}{}
		if i > 0 {
			prev := bundle.Manifest.Artifacts[i-1]
			if prev.ArtifactType > item.ArtifactType || (prev.ArtifactType == item.ArtifactType && prev.ArtifactID > item.ArtifactID) {
				return Result{Status: StatusInvalidOrdering, Details: map[string]any{"index": i, "artifact_type": item.ArtifactType, "artifact_id": item.ArtifactID}}, nil
			}
		}
	}

	var recordHash string
	for _, item := range bundle.Manifest.Artifacts {
		if item.SHA256 == "" || item.HashOf == "" || item.HashRule == "" {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "manifest_artifact_missing_hash", "artifact_type": item.ArtifactType, "artifact_id": item.ArtifactID}}, nil
		}
		target, ok := resolveHashTarget(rawRoot, item.HashOf)
		if !ok {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "artifact_hash_of_path_not_found", "artifact_type": item.ArtifactType, "artifact_id": item.ArtifactID, "hash_of": item.HashOf}}, nil
		}
		computed, err := computeByHashRule(item.HashRule, target)
		if err != nil {
			return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": "artifact_hash_rule_invalid", "artifact_type": item.ArtifactType, "artifact_id": item.ArtifactID, "hash_rule": item.HashRule}}, nil
		}
		if computed != item.SHA256 {
			return Result{
				Status: StatusInvalidArtifactHash,
				Details: map[string]any{
					"artifact_type": item.ArtifactType,
					"artifact_id":   item.ArtifactID,
					"expected":      item.SHA256,
					"computed":      computed,
				},
			}, nil
		}
		if item.ArtifactType == TypeContract {
			recordHash = computed
		}
	}
	if recordHash == "" || recordHash != bundle.Contract.RecordHash {
		return Result{Status: StatusInvalidArtifactHash, Details: map[string]any{"artifact_type": TypeContract, "expected": bundle.Contract.RecordHash, "computed": recordHash}}, nil
	}

	// Each signatory record pins the digest of its image.
	for id, rec := range bundle.Artifacts.Signatories {
		img, ok := bundle.Artifacts.SignatureImages[id]
		if !ok || evidencehash.HashStringSHA256Hex(img) != rec.SignatureImageSHA256 {
			return Result{Status: StatusInvalidArtifactHash, Details: map[string]any{"artifact_type": TypeSignatureImage, "artifact_id": id}}, nil
		}
	}

	manifestObj, ok := rawRoot["manifest"]
	if !ok {
		return malformed("missing_manifest"), nil
	}
	computedManifest, _, err := evidencehash.CanonicalSHA256(manifestObj)
	if err != nil {
		return Result{}, err
	}
	if expected := stripSHA256Prefix(bundle.Hashes.ManifestHash); computedManifest != expected {
		return Result{Status: StatusInvalidManifestHash, Details: map[string]any{"expected": expected, "computed": computedManifest}}, nil
	}

	computedBundle := evidencehash.ComputeBundleHash(bundle.BundleVersion, bundle.Contract.ContractID, recordHash, toEntries(bundle.Manifest.Artifacts))
	if expected := stripSHA256Prefix(bundle.Hashes.BundleHash); computedBundle != expected {
		return Result{Status: StatusInvalidBundleHash, Details: map[string]any{"expected": expected, "computed": computedBundle}}, nil
	}

	return Result{Status: StatusVerified}, nil
}

func malformed(reason string) Result {
	return Result{Status: StatusMalformedBundle, Details: map[string]any{"reason": reason}}
}

func stripSHA256Prefix(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "sha256:")
}

func computeByHashRule(rule string, value any) (string, error) {
	switch rule {
	case evidencehash.RuleUTF8:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%s requires string", rule)
		}
		return evidencehash.HashStringSHA256Hex(s), nil
	case evidencehash.RuleCanonicalJSON:
		h, _, err := evidencehash.CanonicalSHA256(value)
		return h, err
	default:
		return "", fmt.Errorf("unsupported hash rule %q", rule)
	}
}

func resolveHashTarget(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}
