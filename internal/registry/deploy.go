package registry

import (
	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"casparian/internal/errs"
	"casparian/internal/wire"
)

// DeployInput is the flat manifest plus schema artifacts passed to Deploy.
// Bundle is nil for python_shim plugins (no signed bundle to verify).
type DeployInput struct {
	Name            string
	Version         string
	ProtocolVersion string
	RuntimeKind     wire.RuntimeKind
	Entrypoint      string
	PlatformOS      *string
	PlatformArch    *string

	ManifestJSON        string // canonical JSON of the flat manifest fields
	SchemaArtifactsJSON string // canonical JSON: {output_name: schema}
	OutputSchemas       map[string]OutputSchema
	OutputsJSON         string

	SourceBytes   []byte
	LockfileBytes []byte

	Bundle *Bundle // required when RuntimeKind == RuntimeNativeExec
}

// OutputSchema pairs a raw schema document with its Arrow projection and
// declared idempotency target keys, as registered into the schema store.
type OutputSchema struct {
	RawJSON     string
	TargetKeys  []string
	ArrowSchema *arrow.Schema
}

// Deploy validates and imports one plugin version: canonicalizes the
// manifest, verifies the bundle (native only), registers one schema
// contract per declared output, and inserts the manifest under 5-tuple
// uniqueness. All steps run in the order mandated by the deploy contract;
// any failure aborts before the manifest is inserted, so a half-deployed
// plugin is never observable.
func (r *Registry) Deploy(in DeployInput) (PluginManifest, error) {
	if in.RuntimeKind == wire.RuntimeNativeExec {
		if in.PlatformOS == nil || in.PlatformArch == nil {
			return PluginManifest{}, errs.WithDetail(errs.ErrManifestInvalid,
				"native plugin %s@%s missing platform_os/platform_arch", in.Name, in.Version)
		}
		if in.Bundle == nil {
			return PluginManifest{}, errs.WithDetail(errs.ErrManifestInvalid,
				"native plugin %s@%s missing bundle", in.Name, in.Version)
		}
	}

	artifactHash := ArtifactHash(in.SourceBytes, in.LockfileBytes, in.ManifestJSON, in.SchemaArtifactsJSON)

	signatureVerified := false
	var signerID *string
	if in.RuntimeKind == wire.RuntimeNativeExec {
		signer, err := VerifyBundle(in.Bundle, r.cfg)
		if err != nil {
			return PluginManifest{}, err
		}
		signatureVerified = true
		signerID = &signer
	}

	for output, os := range in.OutputSchemas {
		if _, err := r.schemas.Register(in.Name, in.Version, output, os.RawJSON, os.TargetKeys, os.ArrowSchema); err != nil {
			return PluginManifest{}, err
		}
	}

	m := PluginManifest{
		Name:                in.Name,
		Version:             in.Version,
		ProtocolVersion:     in.ProtocolVersion,
		RuntimeKind:         in.RuntimeKind,
		Entrypoint:          in.Entrypoint,
		PlatformOS:          in.PlatformOS,
		PlatformArch:        in.PlatformArch,
		ManifestJSON:        in.ManifestJSON,
		SchemaArtifactsJSON: in.SchemaArtifactsJSON,
		ArtifactHash:        artifactHash,
		OutputsJSON:         in.OutputsJSON,
		SignatureVerified:   signatureVerified,
		SignerID:            signerID,
	}

	if in.RuntimeKind == wire.RuntimePythonShim && len(in.SourceBytes) > 0 {
		src := string(in.SourceBytes)
		m.SourceCode = &src
	}

	key := keyOf(m)
	if _, exists := r.manifests[key]; exists {
		return PluginManifest{}, errs.WithDetail(errs.ErrAlreadyDeployed,
			"name=%s version=%s runtime=%s", in.Name, in.Version, in.RuntimeKind)
	}

	if in.RuntimeKind == wire.RuntimeNativeExec {
		installPath, err := InstallExecutable(in.Bundle, artifactHash)
		if err != nil {
			return PluginManifest{}, err
		}
		m.Entrypoint = installPath
	}

	r.manifests[key] = m
	r.log.Info("plugin deployed",
		zap.String("name", m.Name), zap.String("version", m.Version),
		zap.String("runtime_kind", string(m.RuntimeKind)), zap.String("artifact_hash", m.ArtifactHash))
	return m, nil
}
