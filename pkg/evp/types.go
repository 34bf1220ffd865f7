package evp

import "encoding/json"

const (
	BundleVersion = "signdesk-evidence-v1"

	TypeContract       = "contract"
	TypeSignatory      = "signatory"
	TypeSignatureImage = "signature_image"
)

// Bundle is the self-verifying evidence record for a fully signed
// contract. Artifacts are hashed individually, the manifest lists them in
// (type, id) order and the bundle hash chains the manifest entries.
type Bundle struct {
	BundleVersion string          `json:"bundle_version"`
	Contract      ContractSummary `json:"contract"`
	Hashes        Hashes          `json:"hashes"`
	Manifest      Manifest        `json:"manifest"`
	Artifacts     Artifacts       `json:"artifacts"`
}

type ContractSummary struct {
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
	SignedAt   string `json:"signed_at"`
	RecordHash string `json:"record_hash"`
}

type Hashes struct {
	BundleHash   string `json:"bundle_hash"`
	ManifestHash string `json:"manifest_hash"`
}

type Manifest struct {
	Canonicalization Canonicalization `json:"canonicalization"`
	Artifacts        []ManifestEntry  `json:"artifacts"`
}

type Canonicalization struct {
	ManifestHashRule string `json:"manifest_hash_rule"`
	BundleHashRule   string `json:"bundle_hash_rule"`
}

type ManifestEntry struct {
	ArtifactType string `json:"artifact_type"`
	ArtifactID   string `json:"artifact_id"`
	SHA256       string `json:"sha256"`
	HashOf       string `json:"hash_of"`
	HashRule     string `json:"hash_rule"`
}

type Artifacts struct {
	Contract        ContractRecord             `json:"contract"`
	Signatories     map[string]SignatoryRecord `json:"signatories"`
	SignatureImages map[string]string          `json:"signature_images"`
}

type ContractRecord struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	ClientName string  `json:"client_name"`
	FileURL    *string `json:"file_url"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	SentAt     *string `json:"sent_at"`
	SignedAt   string  `json:"signed_at"`
	ExpiresAt  *string `json:"expires_at"`
	Signatures int     `json:"signatures"`
}

type SignatoryRecord struct {
	Position             int             `json:"position"`
	Name                 string          `json:"name"`
	Email                string          `json:"email"`
	SignedAt             string          `json:"signed_at"`
	CPF                  *string         `json:"cpf"`
	BirthDate            *string         `json:"birth_date"`
	Location             *LocationRecord `json:"location"`
	IPAddress            *string         `json:"ip_address"`
	SignatureImageSHA256 string          `json:"signature_image_sha256"`
}

type LocationRecord struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   *string  `json:"address"`
}

type Result struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

func (r Result) Verified() bool { return r.Status == StatusVerified }

const (
	StatusVerified            = "VERIFIED"
	StatusInvalidBundleHash   = "INVALID_BUNDLE_HASH"
	StatusInvalidManifestHash = "INVALID_MANIFEST_HASH"
	StatusInvalidArtifactHash = "INVALID_ARTIFACT_HASH"
	StatusInvalidOrdering     = "INVALID_ORDERING"
	StatusUnsupportedVersion  = "UNSUPPORTED_VERSION"
	StatusMalformedBundle     = "MALFORMED_BUNDLE"
)

// Marshal encodes the bundle as indented JSON for download.
func (b Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}
