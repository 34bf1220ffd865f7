// Package evp builds and verifies evidence bundles for signed contracts.
package evp

import (
	"fmt"
	"sort"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evidencehash"
)

var ErrNotSigned = apperr.FailedPrecondition("evidence is only available for fully signed contracts")

// Build assembles the bundle for c. The output depends only on the
// contract's signed state, so repeated builds are byte-identical.
func Build(c contract.Contract) (Bundle, error) {
	if c.Status != contract.StatusSigned || !c.AllSigned() || c.SignedAt == nil {
		return Bundle{}, ErrNotSigned
	}

	arts := Artifacts{
		Contract: ContractRecord{
			ID:         c.ID,
			Title:      c.Title,
			ClientName: c.ClientName,
			FileURL:    c.FileURL,
			Status:     string(c.Status),
			CreatedAt:  stamp(c.CreatedAt),
			SentAt:     stampPtr(c.SentAt),
			SignedAt:   stamp(*c.SignedAt),
			ExpiresAt:  stampPtr(c.ExpiresAt),
			Signatures: len(c.Signatories),
		},
		Signatories:     make(map[string]SignatoryRecord, len(c.Signatories)),
		SignatureImages: make(map[string]string, len(c.Signatories)),
	}

	entries := make([]ManifestEntry, 0, 1+2*len(c.Signatories))
	recordHash, _, err := evidencehash.CanonicalSHA256(arts.Contract)
	if err != nil {
		return Bundle{}, fmt.Errorf("hash contract record: %w", err)
	}
	entries = append(entries, ManifestEntry{
		ArtifactType: TypeContract,
		ArtifactID:   c.ID,
		SHA256:       recordHash,
		HashOf:       "artifacts.contract",
		HashRule:     evidencehash.RuleCanonicalJSON,
	})

	for i, s := range c.Signatories {
		if s.SignedAt == nil || s.SignatureImage == nil {
			return Bundle{}, ErrNotSigned
		}
		id := SignatoryID(i)
		imageHash := evidencehash.HashStringSHA256Hex(*s.SignatureImage)
		rec := SignatoryRecord{
			Position:             i,
			Name:                 s.Name,
			Email:                s.Email,
			SignedAt:             stamp(*s.SignedAt),
			CPF:                  s.CPF,
			BirthDate:            s.BirthDate,
			IPAddress:            s.IPAddress,
			SignatureImageSHA256: imageHash,
		}
		if s.Location != nil && !s.Location.Empty() {
			rec.Location = &LocationRecord{Latitude: s.Location.Latitude, Longitude: s.Location.Longitude, Address: s.Location.Address}
		}
		recHash, _, err := evidencehash.CanonicalSHA256(rec)
		if err != nil {
			return Bundle{}, fmt.Errorf("hash signatory %d: %w", i, err)
		}
		arts.Signatories[id] = rec
		arts.SignatureImages[id] = *s.SignatureImage
		entries = append(entries,
			ManifestEntry{
				ArtifactType: TypeSignatory,
				ArtifactID:   id,
				SHA256:       recHash,
				HashOf:       "artifacts.signatories." + id,
				HashRule:     evidencehash.RuleCanonicalJSON,
			},
			ManifestEntry{
				ArtifactType: TypeSignatureImage,
				ArtifactID:   id,
				SHA256:       imageHash,
				HashOf:       "artifacts.signature_images." + id,
				HashRule:     evidencehash.RuleUTF8,
			},
		)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ArtifactType != entries[j].ArtifactType {
			return entries[i].ArtifactType < entries[j].ArtifactType
		}
		return entries[i].ArtifactID < entries[j].ArtifactID
	})

	manifest := Manifest{
		Canonicalization: Canonicalization{
			ManifestHashRule: evidencehash.RuleCanonicalJSON,
			BundleHashRule:   evidencehash.RuleBundle,
		},
		Artifacts: entries,
	}
	manifestHash, _, err := evidencehash.CanonicalSHA256(manifest)
	if err != nil {
		return Bundle{}, fmt.Errorf("hash manifest: %w", err)
	}
	bundleHash := evidencehash.ComputeBundleHash(BundleVersion, c.ID, recordHash, toEntries(entries))

	return Bundle{
		BundleVersion: BundleVersion,
		Contract: ContractSummary{
			ContractID: c.ID,
			Status:     string(c.Status),
			SignedAt:   stamp(*c.SignedAt),
			RecordHash: recordHash,
		},
		Hashes: Hashes{
			BundleHash:   "sha256:" + bundleHash,
			ManifestHash: "sha256:" + manifestHash,
		},
		Manifest:  manifest,
		Artifacts: arts,
	}, nil
}

// SignatoryID is the artifact id for the signatory at position i. Zero
// padding keeps lexical and positional order aligned.
func SignatoryID(i int) string { return fmt.Sprintf("s%03d", i) }

func toEntries(in []ManifestEntry) []evidencehash.Entry {
	out := make([]evidencehash.Entry, 0, len(in))
	for _, e := range in {
		out = append(out, evidencehash.Entry{Type: e.ArtifactType, ID: e.ArtifactID, SHA256: e.SHA256})
	}
	return out
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}
