// Package registry implements the Plugin Registry (C5): the authoritative
// list of plugins that may be dispatched, signed-bundle import, and
// dispatch-time manifest resolution.
//
// Grounded on the teacher's internal/tactile verification/audit shape and
// internal/core/mangle_watcher.go's fsnotify watch-and-reparse loop.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.uber.org/zap"

	"casparian/internal/config"
	"casparian/internal/errs"
	"casparian/internal/logging"
	"casparian/internal/schema"
	"casparian/internal/wire"
)

// PluginManifest records one deployed plugin, keyed by the 5-tuple
// (Name, Version, RuntimeKind, PlatformOS, PlatformArch). Immutable once
// inserted: a schema or entrypoint change requires a new version.
type PluginManifest struct {
	Name            string
	Version         string
	ProtocolVersion string
	RuntimeKind     wire.RuntimeKind
	Entrypoint      string
	PlatformOS      *string
	PlatformArch    *string

	ManifestJSON        string // verbatim, canonical
	SchemaArtifactsJSON  string
	ArtifactHash         string // hex sha256
	OutputsJSON          string
	SignatureVerified    bool
	SignerID             *string

	// SourceCode holds the plugin's Go source for python_shim plugins,
	// replayed into the interpreter at every dispatch. Always nil for
	// native_exec plugins, which run from Entrypoint instead.
	SourceCode *string
}

// manifestKey identifies one registry row.
type manifestKey struct {
	name, version        string
	runtimeKind           wire.RuntimeKind
	platformOS, platformArch string
}

func keyOf(m PluginManifest) manifestKey {
	k := manifestKey{name: m.Name, version: m.Version, runtimeKind: m.RuntimeKind}
	if m.PlatformOS != nil {
		k.platformOS = *m.PlatformOS
	}
	if m.PlatformArch != nil {
		k.platformArch = *m.PlatformArch
	}
	return k
}

// Registry holds manifests in memory and delegates schema registration to
// a shared schema.Store. Manifests are not written to the sqlite store
// (internal/store has no manifest table), so a Registry starts empty in
// each process; it is the validation/lookup logic used both by the import
// path at deploy time and by the dispatcher at run time.
type Registry struct {
	cfg     *config.TrustConfig
	schemas *schema.Store
	log     *zap.Logger

	manifests map[manifestKey]PluginManifest
}

// New constructs an empty Registry consulting trust for native imports and
// registering output schemas into schemas.
func New(trust *config.TrustConfig, schemas *schema.Store) *Registry {
	return &Registry{
		cfg:       trust,
		schemas:   schemas,
		log:       logging.Get(logging.CategoryRegistry),
		manifests: make(map[manifestKey]PluginManifest),
	}
}

// ArtifactHash computes the artifact_hash for a plugin's identity:
// sha256(source_bytes ⊕ lockfile_bytes ⊕ manifest_json ⊕ schema_artifacts_json).
// "⊕" here is simple concatenation, ordered, over a fixed boundary byte so
// an empty lockfile cannot be confused with a shifted manifest.
func ArtifactHash(sourceBytes, lockfileBytes []byte, manifestJSON, schemaArtifactsJSON string) string {
	h := sha256.New()
	h.Write(sourceBytes)
	h.Write([]byte{0})
	h.Write(lockfileBytes)
	h.Write([]byte{0})
	h.Write([]byte(manifestJSON))
	h.Write([]byte{0})
	h.Write([]byte(schemaArtifactsJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the manifest matching (name, version, runtimeKind) for the
// given platform, or false if none matches (os/arch are ignored for
// python_shim plugins, which carry no platform fields).
func (r *Registry) Lookup(name, version string, runtimeKind wire.RuntimeKind, platformOS, platformArch string) (PluginManifest, bool) {
	for k, m := range r.manifests {
		if k.name != name || k.version != version || k.runtimeKind != runtimeKind {
			continue
		}
		if runtimeKind == wire.RuntimeNativeExec && (k.platformOS != platformOS || k.platformArch != platformArch) {
			continue
		}
		return m, true
	}
	return PluginManifest{}, false
}

// Resolve finds the best-matching manifest for a dispatch request and
// builds a fully-specified DispatchCommand, including
// expected_output_schema_hashes.
func (r *Registry) Resolve(jobID, name, version string, runtimeKind wire.RuntimeKind, platformOS, platformArch, inputHandle string) (wire.DispatchCommand, error) {
	m, ok := r.Lookup(name, version, runtimeKind, platformOS, platformArch)
	if !ok {
		if runtimeKind == wire.RuntimeNativeExec {
			return wire.DispatchCommand{}, errs.WithDetail(errs.ErrUnsupportedPlatform,
				"plugin=%s version=%s os=%s arch=%s", name, version, platformOS, platformArch)
		}
		return wire.DispatchCommand{}, errs.WithDetail(errs.ErrPluginNotFound, "plugin=%s version=%s", name, version)
	}

	hashes := map[string]string{}
	for _, c := range r.schemaContractsFor(m) {
		hashes[c.OutputName] = c.SchemaHash
	}

	cmd := wire.DispatchCommand{
		JobID:                      jobID,
		PluginName:                 m.Name,
		PluginVersion:              m.Version,
		RuntimeKind:                m.RuntimeKind,
		Entrypoint:                 m.Entrypoint,
		PlatformOS:                 m.PlatformOS,
		PlatformArch:               m.PlatformArch,
		SourceCode:                 m.SourceCode,
		SchemaArtifactsJSON:        m.SchemaArtifactsJSON,
		ExpectedOutputSchemaHashes: hashes,
		InputHandle:                inputHandle,
	}
	return cmd, nil
}

func (r *Registry) schemaContractsFor(m PluginManifest) []schema.Contract {
	var out []schema.Contract
	for _, output := range parseOutputNames(m.OutputsJSON) {
		if c, ok := r.schemas.Lookup(m.Name, m.Version, output); ok {
			out = append(out, c)
		}
	}
	return out
}

// parseOutputNames extracts output names from outputs_json, tolerant of an
// absent or malformed field — which simply yields no hashes rather than
// failing resolution.
func parseOutputNames(outputsJSON string) []string {
	if outputsJSON == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(outputsJSON), &names); err != nil {
		return nil
	}
	return names
}
