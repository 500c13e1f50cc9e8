package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"

	"casparian/internal/errs"
	"casparian/internal/wire"
)

// fileManifest is the on-disk manifest.json shape read from a bundle
// directory by the deploy CLI and the drop-directory watcher. It is a flat,
// hand-authored rendering of DeployInput: every field here maps to exactly
// one DeployInput field, except Outputs, which also carries enough to build
// each output's arrow.Schema without a second file format.
type fileManifest struct {
	Name            string                      `json:"name"`
	Version         string                      `json:"version"`
	ProtocolVersion string                       `json:"protocol_version"`
	RuntimeKind     wire.RuntimeKind             `json:"runtime_kind"`
	Entrypoint      string                       `json:"entrypoint"`
	PlatformOS      *string                      `json:"platform_os,omitempty"`
	PlatformArch    *string                      `json:"platform_arch,omitempty"`
	SourcePath      string                       `json:"source_path,omitempty"` // python_shim only, relative to bundle dir
	LockfilePath    string                       `json:"lockfile_path,omitempty"`
	Outputs         map[string]fileOutputSchema `json:"outputs"`
}

// fileOutputSchema describes one declared output: its idempotency target
// keys, the raw schema document as authored (opaque to us beyond hashing),
// and the Arrow field list used to validate emitted batches.
type fileOutputSchema struct {
	TargetKeys []string        `json:"target_keys"`
	Schema     json.RawMessage `json:"schema"`
	Fields     []fileField     `json:"fields"`
}

// fileField is one column of a declared output, in arrow-simplified form.
type fileField struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // int64, float64, string, bool
	Nullable bool   `json:"nullable"`
}

func arrowTypeFor(name string) (arrow.DataType, error) {
	switch name {
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "string":
		return arrow.BinaryTypes.String, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, fmt.Errorf("registry: unrecognized field type %q", name)
	}
}

func (o fileOutputSchema) arrowSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(o.Fields))
	for i, f := range o.Fields {
		t, err := arrowTypeFor(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// LoadBundleDir reads manifest.json from dir and assembles a DeployInput
// ready for Registry.Deploy. For native_exec it also reads bundle.index.json
// and bundle.sig from dir and resolves the executable under bin/. For
// python_shim it reads the Go source named by source_path.
func LoadBundleDir(dir string) (DeployInput, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "read %s: %v", manifestPath, err)
	}

	var fm fileManifest
	if err := json.Unmarshal(raw, &fm); err != nil {
		return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "parse %s: %v", manifestPath, err)
	}
	if fm.Name == "" || fm.Version == "" || fm.RuntimeKind == "" {
		return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "%s missing name/version/runtime_kind", manifestPath)
	}

	manifestJSON, err := wire.CanonicalizeBytes(raw)
	if err != nil {
		return DeployInput{}, fmt.Errorf("registry: canonicalize manifest.json: %w", err)
	}

	outputNames := make([]string, 0, len(fm.Outputs))
	schemaArtifacts := make(map[string]json.RawMessage, len(fm.Outputs))
	outputSchemas := make(map[string]OutputSchema, len(fm.Outputs))
	for name, o := range fm.Outputs {
		outputNames = append(outputNames, name)
		schemaArtifacts[name] = o.Schema
		arrowSchema, err := o.arrowSchema()
		if err != nil {
			return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "output %q: %v", name, err)
		}
		outputSchemas[name] = OutputSchema{
			RawJSON:     string(o.Schema),
			TargetKeys:  o.TargetKeys,
			ArrowSchema: arrowSchema,
		}
	}
	sort.Strings(outputNames)

	outputsJSON, err := json.Marshal(outputNames)
	if err != nil {
		return DeployInput{}, fmt.Errorf("registry: marshal output names: %w", err)
	}
	schemaArtifactsJSON, err := wire.Canonical(schemaArtifacts)
	if err != nil {
		return DeployInput{}, fmt.Errorf("registry: canonicalize schema artifacts: %w", err)
	}

	in := DeployInput{
		Name:                fm.Name,
		Version:             fm.Version,
		ProtocolVersion:     fm.ProtocolVersion,
		RuntimeKind:         fm.RuntimeKind,
		Entrypoint:          fm.Entrypoint,
		PlatformOS:          fm.PlatformOS,
		PlatformArch:        fm.PlatformArch,
		ManifestJSON:        string(manifestJSON),
		SchemaArtifactsJSON: string(schemaArtifactsJSON),
		OutputSchemas:       outputSchemas,
		OutputsJSON:         string(outputsJSON),
	}

	if fm.LockfilePath != "" {
		lock, err := os.ReadFile(filepath.Join(dir, fm.LockfilePath))
		if err != nil {
			return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "read lockfile: %v", err)
		}
		in.LockfileBytes = lock
	}

	switch fm.RuntimeKind {
	case wire.RuntimePythonShim:
		if fm.SourcePath == "" {
			return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "%s: python_shim manifest missing source_path", manifestPath)
		}
		src, err := os.ReadFile(filepath.Join(dir, fm.SourcePath))
		if err != nil {
			return DeployInput{}, errs.WithDetail(errs.ErrManifestInvalid, "read source_path: %v", err)
		}
		in.SourceBytes = src

	case wire.RuntimeNativeExec:
		bundle, err := loadNativeBundle(dir, fm.Entrypoint)
		if err != nil {
			return DeployInput{}, err
		}
		in.Bundle = bundle
		in.SourceBytes = bundle.IndexBytes
	}

	return in, nil
}

// loadNativeBundle reads bundle.index.json and bundle.sig from dir and
// locates the executable at entrypoint (relative to dir, conventionally
// bin/<name>).
func loadNativeBundle(dir, entrypoint string) (*Bundle, error) {
	indexBytes, err := os.ReadFile(filepath.Join(dir, "bundle.index.json"))
	if err != nil {
		return nil, errs.WithDetail(errs.ErrBundleCorrupt, "read bundle.index.json: %v", err)
	}
	sig, err := os.ReadFile(filepath.Join(dir, "bundle.sig"))
	if err != nil {
		return nil, errs.WithDetail(errs.ErrSignatureMissing, "read bundle.sig: %v", err)
	}
	return &Bundle{
		Root:           dir,
		IndexBytes:     indexBytes,
		Signature:      sig,
		ExecutablePath: filepath.Join(dir, entrypoint),
	}, nil
}
