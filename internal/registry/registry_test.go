package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"casparian/internal/config"
	"casparian/internal/schema"
	"casparian/internal/wire"
)

func strPtr(s string) *string { return &s }

func testArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)
}

// writeSignedBundle builds a minimal valid bundle tree on disk and returns a
// *Bundle plus the trust config whose allowed_signers accepts it.
func writeSignedBundle(t *testing.T, dir string) (*Bundle, *config.TrustConfig) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	execPath := filepath.Join(binDir, "evtx")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\necho hi\n"), 0o755))

	execBytes, err := os.ReadFile(execPath)
	require.NoError(t, err)
	execHash := sha256.Sum256(execBytes)

	index := BundleIndex{
		Files: []BundleFile{
			{Path: "bin/evtx", SHA256: hex.EncodeToString(execHash[:]), Size: int64(len(execBytes))},
		},
		SignerID:  "casparian_root_2026",
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)

	sig := ed25519.Sign(priv, indexBytes)

	trust := &config.TrustConfig{
		Mode:           config.TrustVaultSignedOnly,
		SignerKeys:     map[string]string{"casparian_root_2026": base64.StdEncoding.EncodeToString(pub)},
		AllowedSigners: []string{"casparian_root_2026"},
	}

	return &Bundle{
		Root:           dir,
		IndexBytes:     indexBytes,
		Signature:      sig,
		ExecutablePath: execPath,
	}, trust
}

func TestVerifyBundle_Valid(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)

	signer, err := VerifyBundle(b, trust)
	require.NoError(t, err)
	require.Equal(t, "casparian_root_2026", signer)
}

func TestVerifyBundle_RejectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)

	require.NoError(t, os.WriteFile(b.ExecutablePath, []byte("tampered"), 0o755))

	_, err := VerifyBundle(b, trust)
	require.Error(t, err)
}

func TestVerifyBundle_RejectsUnknownSigner(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)
	trust.AllowedSigners = nil

	_, err := VerifyBundle(b, trust)
	require.Error(t, err)
}

func TestVerifyBundle_RejectsBadSignature(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)
	b.Signature[0] ^= 0xFF

	_, err := VerifyBundle(b, trust)
	require.Error(t, err)
}

func TestDeploy_NativeHappyPath(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)

	reg := New(trust, schema.New())
	m, err := reg.Deploy(DeployInput{
		Name: "evtx", Version: "0.1.0", ProtocolVersion: "1",
		RuntimeKind: wire.RuntimeNativeExec, Entrypoint: b.ExecutablePath,
		PlatformOS: strPtr("linux"), PlatformArch: strPtr("x86_64"),
		SchemaArtifactsJSON: `{"events":{}}`,
		OutputSchemas: map[string]OutputSchema{
			"events": {RawJSON: `{"a":1}`, ArrowSchema: testArrowSchema()},
		},
		OutputsJSON: `["events"]`,
		Bundle:      b,
	})
	require.NoError(t, err)
	require.True(t, m.SignatureVerified)
	require.NotEmpty(t, m.ArtifactHash)

	cmd, err := reg.Resolve("job1", "evtx", "0.1.0", wire.RuntimeNativeExec, "linux", "x86_64", "file:///a.evtx")
	require.NoError(t, err)
	require.Equal(t, "job1", cmd.JobID)
	require.Contains(t, cmd.ExpectedOutputSchemaHashes, "events")
}

func TestDeploy_DuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)
	reg := New(trust, schema.New())

	in := DeployInput{
		Name: "evtx", Version: "0.1.0", RuntimeKind: wire.RuntimeNativeExec,
		Entrypoint: b.ExecutablePath, PlatformOS: strPtr("linux"), PlatformArch: strPtr("x86_64"),
		SchemaArtifactsJSON: `{}`, OutputsJSON: `[]`, Bundle: b,
	}
	_, err := reg.Deploy(in)
	require.NoError(t, err)

	_, err = reg.Deploy(in)
	require.Error(t, err)
}

func TestDeploy_SchemaConflictAbortsWholeDeploy(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)
	reg := New(trust, schema.New())

	_, err := reg.Deploy(DeployInput{
		Name: "evtx", Version: "0.1.0", RuntimeKind: wire.RuntimeNativeExec,
		Entrypoint: b.ExecutablePath, PlatformOS: strPtr("linux"), PlatformArch: strPtr("x86_64"),
		SchemaArtifactsJSON: `{}`, OutputsJSON: `["events"]`,
		OutputSchemas: map[string]OutputSchema{"events": {RawJSON: `{"a":1}`, ArrowSchema: testArrowSchema()}},
		Bundle:        b,
	})
	require.NoError(t, err)

	_, err = reg.Deploy(DeployInput{
		Name: "evtx", Version: "0.1.0", RuntimeKind: wire.RuntimeNativeExec,
		Entrypoint: b.ExecutablePath, PlatformOS: strPtr("linux"), PlatformArch: strPtr("darwin-arm64"),
		SchemaArtifactsJSON: `{}`, OutputsJSON: `["events"]`,
		OutputSchemas: map[string]OutputSchema{"events": {RawJSON: `{"a":2}`, ArrowSchema: testArrowSchema()}},
		Bundle:        b,
	})
	require.Error(t, err)
}

func TestResolve_UnsupportedPlatform(t *testing.T) {
	dir := t.TempDir()
	b, trust := writeSignedBundle(t, dir)
	reg := New(trust, schema.New())
	_, err := reg.Deploy(DeployInput{
		Name: "evtx", Version: "0.1.0", RuntimeKind: wire.RuntimeNativeExec,
		Entrypoint: b.ExecutablePath, PlatformOS: strPtr("linux"), PlatformArch: strPtr("x86_64"),
		SchemaArtifactsJSON: `{}`, OutputsJSON: `[]`, Bundle: b,
	})
	require.NoError(t, err)

	_, err = reg.Resolve("job1", "evtx", "0.1.0", wire.RuntimeNativeExec, "darwin", "arm64", "x")
	require.Error(t, err)
}
