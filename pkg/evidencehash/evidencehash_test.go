package evidencehash

import "testing"

type signatoryRecord struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	CPF   string `json:"cpf"`
}

func TestCanonicalSHA256StructMatchesDecodedMap(t *testing.T) {
	rec := signatoryRecord{Name: "Ana", Email: "ana@example.com", CPF: "12345678901"}
	asMap := map[string]any{"cpf": "12345678901", "name": "Ana", "email": "ana@example.com"}

	hs, _, err := CanonicalSHA256(rec)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hm, b, err := CanonicalSHA256(asMap)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if hs != hm {
		t.Fatalf("expected struct and map to hash equally, got %s vs %s", hs, hm)
	}
	if string(b) != `{"cpf":"12345678901","email":"ana@example.com","name":"Ana"}` {
		t.Fatalf("unexpected canonical bytes %s", b)
	}
}

func TestComputeBundleHashDependsOnEveryEntry(t *testing.T) {
	entries := []Entry{
		{Type: "contract", ID: "ctr_1", SHA256: "aa"},
		{Type: "signatory", ID: "s001", SHA256: "bb"},
	}
	base := ComputeBundleHash("v1", "ctr_1", "aa", entries)
	if base != ComputeBundleHash("v1", "ctr_1", "aa", entries) {
		t.Fatalf("expected deterministic bundle hash")
	}
	changed := append([]Entry(nil), entries...)
	changed[1].SHA256 = "cc"
	if base == ComputeBundleHash("v1", "ctr_1", "aa", changed) {
		t.Fatalf("expected entry change to alter bundle hash")
	}
	if base == ComputeBundleHash("v1", "ctr_2", "aa", entries) {
		t.Fatalf("expected contract id to alter bundle hash")
	}
}

func TestHashStringSHA256Hex(t *testing.T) {
	got := HashStringSHA256Hex("")
	if got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty digest %s", got)
	}
}
