package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"casparian/internal/config"
	"casparian/internal/errs"
)

// BundleFile is one entry in bundle.index.json's files list.
type BundleFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// BundleIndex is the canonical-JSON content of bundle.index.json.
type BundleIndex struct {
	Files     []BundleFile `json:"files"`
	SignerID  string       `json:"signer_id"`
	CreatedAt string       `json:"created_at"`
}

// Bundle is an in-memory view of a native plugin bundle tree, read from
// disk by the caller (the importer) and handed to VerifyBundle/InstallExecutable.
type Bundle struct {
	Root          string // bundle_root directory
	IndexBytes    []byte // raw bytes of bundle.index.json, as signed
	IndexSelfHash string // bundle.index.json's own claimed sha256, read separately (e.g. a sidecar or manifest field)
	Signature     []byte // raw bundle.sig bytes
	ExecutablePath string // path to bin/<executable> within Root
}

// VerifyBundle enforces §4.5 step 2 and §6.1's strict verification order:
// hashes first, then signature. Returns the verified signer_id on success.
func VerifyBundle(b *Bundle, trust *config.TrustConfig) (string, error) {
	var index BundleIndex
	if err := json.Unmarshal(b.IndexBytes, &index); err != nil {
		return "", errs.WithDetail(errs.ErrBundleCorrupt, "bundle.index.json does not parse: %v", err)
	}

	indexHash := sha256.Sum256(b.IndexBytes)
	if b.IndexSelfHash != "" && hex.EncodeToString(indexHash[:]) != b.IndexSelfHash {
		return "", errs.WithDetail(errs.ErrBundleCorrupt, "bundle.index.json content hash mismatch")
	}

	for _, f := range index.Files {
		full := filepath.Join(b.Root, f.Path)
		data, err := os.ReadFile(full)
		if err != nil {
			return "", errs.WithDetail(errs.ErrBundleCorrupt, "listed file %s unreadable: %v", f.Path, err)
		}
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if got != f.SHA256 {
			return "", errs.WithDetail(errs.ErrBundleCorrupt, "file %s hash mismatch: index=%s actual=%s", f.Path, f.SHA256, got)
		}
	}

	if len(b.Signature) == 0 {
		return "", errs.WithDetail(errs.ErrSignatureMissing, "bundle %s carries no bundle.sig", b.Root)
	}

	pubKeyB64, ok := trust.SignerKeys[index.SignerID]
	if !ok {
		return "", errs.WithDetail(errs.ErrSignatureInvalid, "signer_id=%q not a known trust-config key", index.SignerID)
	}
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return "", errs.WithDetail(errs.ErrSignatureInvalid, "signer_id=%q key is not a valid ed25519 public key", index.SignerID)
	}

	// The signature is computed over the raw bytes of bundle.index.json,
	// with no re-canonicalization (§6.1).
	if !ed25519.Verify(ed25519.PublicKey(pubKey), b.IndexBytes, b.Signature) {
		return "", errs.WithDetail(errs.ErrSignatureInvalid, "ed25519 verification failed for signer_id=%q", index.SignerID)
	}

	allowed := false
	for _, name := range trust.AllowedSigners {
		if name == index.SignerID {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", errs.WithDetail(errs.ErrSignatureInvalid, "signer_id=%q is not in allowed_signers", index.SignerID)
	}

	return index.SignerID, nil
}

// InstallExecutable copies the bundle's executable to a content-addressed
// path deterministic in artifactHash, writing to a temp file in the same
// directory first and renaming atomically into place so a partially
// written executable is never observable at the final path.
func InstallExecutable(b *Bundle, artifactHash string) (string, error) {
	installDir := filepath.Dir(b.ExecutablePath)
	finalPath := filepath.Join(installDir, artifactHash)

	if _, err := os.Stat(finalPath); err == nil {
		return finalPath, nil // already installed under this identity
	}

	data, err := os.ReadFile(b.ExecutablePath)
	if err != nil {
		return "", fmt.Errorf("registry: read bundle executable: %w", err)
	}

	tmp, err := os.CreateTemp(installDir, ".install-*")
	if err != nil {
		return "", fmt.Errorf("registry: create temp install file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("registry: write temp install file: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("registry: chmod temp install file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("registry: close temp install file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("registry: atomic rename into place: %w", err)
	}
	return finalPath, nil
}
