package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/seal"
	"github.com/accordsai/signdesk/sdk/go/signdesk"
)

const usage = "usage: signctl evidence verify (--bundle <path> | --server <url> --contract-id <id>) [--token <t>] [--trusted-key <base64>] | signctl evidence pdf --server <url> --contract-id <id> --out <path> [--token <t>]"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	if len(args) < 2 || args[0] != "evidence" {
		failSummary(out, "", "", usage)
		return 2
	}
	switch args[1] {
	case "verify":
		return runVerify(args[2:], out)
	case "pdf":
		return runPDF(args[2:], out)
	default:
		failSummary(out, "", "", usage)
		return 2
	}
}

type remoteFlags struct {
	server     *string
	token      *string
	contractID *string
	timeout    *time.Duration
}

func addRemoteFlags(fs *flag.FlagSet) remoteFlags {
	return remoteFlags{
		server:     fs.String("server", "", "signdesk base url"),
		token:      fs.String("token", os.Getenv("SIGNDESK_OPERATOR_TOKEN"), "operator bearer token"),
		contractID: fs.String("contract-id", "", "contract id"),
		timeout:    fs.Duration("timeout", 30*time.Second, "request timeout"),
	}
}

func (r remoteFlags) client() *signdesk.Client {
	return signdesk.NewClient(strings.TrimSpace(*r.server), signdesk.WithOperatorToken(strings.TrimSpace(*r.token)))
}

func runVerify(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("evidence verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bundlePath := fs.String("bundle", "", "path to evidence bundle json")
	trustedKey := fs.String("trusted-key", "", "base64 ed25519 public key the seal must be made with")
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		failSummary(out, "", "", err.Error())
		return 2
	}
	local := strings.TrimSpace(*bundlePath) != ""
	if local == (strings.TrimSpace(*remote.server) != "") {
		failSummary(out, "", "", "exactly one of --bundle or --server is required")
		return 2
	}
	if !local && strings.TrimSpace(*remote.contractID) == "" {
		failSummary(out, "", "", "--contract-id is required with --server")
		return 2
	}

	var trusted ed25519.PublicKey
	if k := strings.TrimSpace(*trustedKey); k != "" {
		pub, err := seal.ParsePublicKey(k)
		if err != nil {
			failSummary(out, "", "", "trusted key: "+err.Error())
			return 2
		}
		trusted = pub
	}

	var (
		v   *signdesk.EvidenceVerification
		err error
	)
	if local {
		var body []byte
		body, err = os.ReadFile(*bundlePath)
		if err != nil {
			failSummary(out, "", "", "read bundle failed: "+err.Error())
			return 1
		}
		v, err = signdesk.VerifyEvidenceJSON(body, trusted)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
		defer cancel()
		v, err = remote.client().VerifyEvidence(ctx, strings.TrimSpace(*remote.contractID), trusted)
	}
	if err != nil {
		failSummary(out, strings.TrimSpace(*remote.contractID), "", err.Error())
		return 1
	}
	if !v.Verified() {
		failSummary(out, v.ContractID, v.BundleHash, v.Bundle.Status)
		return 1
	}
	keyID := ""
	if v.Seal != nil {
		keyID = v.Seal.KeyID
	}
	passSummary(out, map[string]string{
		"contract_id": v.ContractID,
		"bundle_hash": v.BundleHash,
		"seal_key_id": keyID,
	})
	return 0
}

func runPDF(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("evidence pdf", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	outPath := fs.String("out", "", "path to write the evidence pdf")
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		failSummary(out, "", "", err.Error())
		return 2
	}
	id := strings.TrimSpace(*remote.contractID)
	if strings.TrimSpace(*remote.server) == "" || id == "" || strings.TrimSpace(*outPath) == "" {
		failSummary(out, id, "", "--server, --contract-id and --out are required")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
	defer cancel()
	body, err := remote.client().EvidencePDF(ctx, id)
	if err != nil {
		failSummary(out, id, "", err.Error())
		return 1
	}
	if err := os.WriteFile(*outPath, body, 0o644); err != nil {
		failSummary(out, id, "", "write pdf failed: "+err.Error())
		return 1
	}
	passSummary(out, map[string]string{
		"contract_id": id,
		"pdf_path":    strings.TrimSpace(*outPath),
		"bytes":       fmt.Sprint(len(body)),
	})
	return 0
}

func passSummary(out io.Writer, fields map[string]string) {
	summary := map[string]string{"status": "PASS", "timestamp_utc": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		summary[k] = v
	}
	writeSummary(out, summary)
}

func failSummary(out io.Writer, contractID, bundleHash, reason string) {
	writeSummary(out, map[string]string{
		"status":        "FAIL",
		"contract_id":   contractID,
		"bundle_hash":   bundleHash,
		"reason":        reason,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeSummary(out io.Writer, summary map[string]string) {
	b, _ := json.Marshal(summary)
	fmt.Fprintln(out, string(b))
}
