// Package errs defines the enumerable error taxonomy for the Sentinel core,
// grouped by failure domain per the error handling design.
//
// Every error here is also reachable by Kind, so a Job's terminal event can
// persist a stable, comparable error-kind string (jobs.failure_kind) rather
// than a free-text message.
package errs

import (
	"errors"
	"fmt"
)

// Kind is an enumerable, stable error-kind identifier.
type Kind string

const (
	// Config errors.
	KindTrustKeyUnknown  Kind = "TrustKeyUnknown"
	KindTrustModeInvalid Kind = "TrustModeInvalid"

	// Deploy/Import errors.
	KindSignatureMissing    Kind = "SignatureMissing"
	KindSignatureInvalid    Kind = "SignatureInvalid"
	KindBundleCorrupt       Kind = "BundleCorrupt"
	KindManifestInvalid     Kind = "ManifestInvalid"
	KindSchemaConflict      Kind = "SchemaConflict"
	KindAlreadyDeployed     Kind = "AlreadyDeployed"
	KindUnsupportedPlatform Kind = "UnsupportedPlatform"

	// Dispatch-time errors.
	KindPluginNotFound Kind = "PluginNotFound"
	KindTrustDenied    Kind = "TrustDenied"

	// Runtime errors.
	KindSpawnFailed              Kind = "SpawnFailed"
	KindHelloTimeout             Kind = "HelloTimeout"
	KindProtoOrderViolation      Kind = "ProtocolViolation::OrderViolation"
	KindProtoNonArrowOnStdout    Kind = "ProtocolViolation::NonArrowOnStdout"
	KindProtoSchemaHashMismatch  Kind = "ProtocolViolation::SchemaHashMismatch"
	KindProtoMissingOutputEnd    Kind = "ProtocolViolation::MissingOutputEnd"
	KindProtoMalformedControl    Kind = "ProtocolViolation::MalformedControlFrame"
	KindArrowDecode              Kind = "ArrowDecode"
	KindExitCodeNonZero          Kind = "ExitCodeNonZero"
	KindMissingReceipt           Kind = "MissingReceipt"

	// Schema errors.
	KindStructuralMismatch Kind = "StructuralMismatch"
	KindRowTypeMismatch    Kind = "RowTypeMismatch"

	// Store errors.
	KindMonotonicityViolation Kind = "MonotonicityViolation"
	KindTransientConflict     Kind = "TransientConflict"
	KindStoreCorrupt          Kind = "StoreCorrupt"
)

// Config errors — surfaced synchronously to the loading caller.
var (
	ErrTrustKeyUnknown  = errors.New("trust config: allowed_signer resolves to no known key")
	ErrTrustModeInvalid = errors.New("trust config: unrecognized trust mode")
)

// Deploy/Import errors — surfaced synchronously to the importer.
var (
	ErrSignatureMissing    = errors.New("deploy: bundle.sig missing")
	ErrSignatureInvalid    = errors.New("deploy: ed25519 signature verification failed")
	ErrBundleCorrupt       = errors.New("deploy: bundle content hash mismatch")
	ErrManifestInvalid     = errors.New("deploy: manifest failed validation")
	ErrSchemaConflict      = errors.New("deploy: schema changed for an existing (plugin, version, output) without a version bump")
	ErrAlreadyDeployed     = errors.New("deploy: plugin already deployed under this identity")
	ErrUnsupportedPlatform = errors.New("deploy: no manifest matches this platform")
)

// Dispatch-time errors — transition the Job to a terminal status.
var (
	ErrPluginNotFound = errors.New("dispatch: no registered plugin matches this queue entry")
	ErrTrustDenied     = errors.New("dispatch: trust policy denied native execution")
)

// Runtime errors — fail the job deterministically, never retried.
var (
	ErrSpawnFailed             = errors.New("runtime: failed to spawn worker process")
	ErrHelloTimeout            = errors.New("runtime: hello frame not received within timeout")
	ErrOrderViolation          = errors.New("runtime: control frame received out of order")
	ErrNonArrowOnStdout        = errors.New("runtime: non-Arrow bytes observed on stdout")
	ErrSchemaHashMismatch      = errors.New("runtime: output_begin schema_hash does not match expected_output_schema_hashes")
	ErrMissingOutputEnd        = errors.New("runtime: process exited before output_end")
	ErrMalformedControlFrame   = errors.New("runtime: NDJSON control frame failed to parse")
	ErrArrowDecode             = errors.New("runtime: Arrow IPC stream failed to decode")
	ErrExitCodeNonZero         = errors.New("runtime: worker process exited non-zero")
	ErrMissingReceipt          = errors.New("runtime: shim process ended without a Conclude frame")
)

// Schema errors.
var (
	ErrStructuralMismatch = errors.New("schema: batch layout inconsistent with contract (missing/extra column)")
	ErrRowTypeMismatch    = errors.New("schema: row violates a column-level type constraint")
)

// Store errors.
var (
	ErrMonotonicityViolation = errors.New("store: event_id sequence is not gap-free monotonic")
	ErrTransientConflict     = errors.New("store: transient write conflict")
	ErrStoreCorrupt          = errors.New("store: persistent conflict after retry; store is no longer trustworthy")
)

// kindOf maps a sentinel error to its stable Kind. Wrapped errors are
// unwrapped with errors.Is before giving up.
var kindOf = map[error]Kind{
	ErrTrustKeyUnknown:       KindTrustKeyUnknown,
	ErrTrustModeInvalid:      KindTrustModeInvalid,
	ErrSignatureMissing:      KindSignatureMissing,
	ErrSignatureInvalid:      KindSignatureInvalid,
	ErrBundleCorrupt:         KindBundleCorrupt,
	ErrManifestInvalid:       KindManifestInvalid,
	ErrSchemaConflict:        KindSchemaConflict,
	ErrAlreadyDeployed:       KindAlreadyDeployed,
	ErrUnsupportedPlatform:   KindUnsupportedPlatform,
	ErrPluginNotFound:        KindPluginNotFound,
	ErrTrustDenied:           KindTrustDenied,
	ErrSpawnFailed:           KindSpawnFailed,
	ErrHelloTimeout:          KindHelloTimeout,
	ErrOrderViolation:        KindProtoOrderViolation,
	ErrNonArrowOnStdout:      KindProtoNonArrowOnStdout,
	ErrSchemaHashMismatch:    KindProtoSchemaHashMismatch,
	ErrMissingOutputEnd:      KindProtoMissingOutputEnd,
	ErrMalformedControlFrame: KindProtoMalformedControl,
	ErrArrowDecode:           KindArrowDecode,
	ErrExitCodeNonZero:       KindExitCodeNonZero,
	ErrMissingReceipt:        KindMissingReceipt,
	ErrStructuralMismatch:    KindStructuralMismatch,
	ErrRowTypeMismatch:       KindRowTypeMismatch,
	ErrMonotonicityViolation: KindMonotonicityViolation,
	ErrTransientConflict:     KindTransientConflict,
	ErrStoreCorrupt:          KindStoreCorrupt,
}

// KindOf returns the stable Kind for err, or "" if err does not match any
// known sentinel (checked via errors.Is, so wrapped errors resolve).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// WithDetail wraps a sentinel error with additional context while preserving
// errors.Is matching and KindOf resolution.
func WithDetail(sentinel error, detail string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(detail, args...))
}
