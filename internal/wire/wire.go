// Package wire defines the stable types that cross the Sentinel/Worker
// process boundary: opcodes, the DispatchCommand, JobReceipt, and
// ProgressUpdate. All JSON-bearing fields use Canonical (canonical.go) before
// hashing or hitting the wire.
package wire

// OpCode identifies a frame's purpose on either transport (framed shim
// socket or native stdout/stderr).
type OpCode string

const (
	OpDispatch    OpCode = "dispatch"
	OpConclude    OpCode = "conclude"
	OpProgress    OpCode = "progress"
	OpHello       OpCode = "hello"
	OpOutputBegin OpCode = "output_begin"
	OpOutputEnd   OpCode = "output_end"
	OpWarning     OpCode = "warning"
	OpError       OpCode = "error"
	OpRowError    OpCode = "row_error"
)

// RuntimeKind selects the execution backend a plugin requires.
type RuntimeKind string

const (
	RuntimePythonShim RuntimeKind = "python_shim"
	RuntimeNativeExec RuntimeKind = "native_exec"
)

// DispatchCommand fully specifies one unit of work handed to a worker.
// env_hash and source_code are legacy shim-only fields; os/arch are
// native-only. All are explicit options, never implicit defaults.
type DispatchCommand struct {
	JobID       string      `json:"job_id"`
	PluginName  string      `json:"plugin_name"`
	PluginVersion string    `json:"plugin_version"`
	RuntimeKind RuntimeKind `json:"runtime_kind"`
	Entrypoint  string      `json:"entrypoint"`

	PlatformOS   *string `json:"platform_os,omitempty"`
	PlatformArch *string `json:"platform_arch,omitempty"`

	EnvHash    *string `json:"env_hash,omitempty"`
	SourceCode *string `json:"source_code,omitempty"`

	SchemaArtifactsJSON string `json:"schema_artifacts_json"`

	// ExpectedOutputSchemaHashes maps output name -> schema_hash; every
	// output_begin frame's schema_hash must match the entry for its name.
	ExpectedOutputSchemaHashes map[string]string `json:"expected_output_schema_hashes"`

	InputHandle string `json:"input_handle"`
}

// ReceiptStatus is the terminal disposition reported by a worker.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "Success"
	ReceiptFailed   ReceiptStatus = "Failed"
	ReceiptRejected ReceiptStatus = "Rejected"
	ReceiptAborted  ReceiptStatus = "Aborted"
)

// Artifact describes one landed output.
type Artifact struct {
	URI       string `json:"uri"`
	SizeBytes int64  `json:"size_bytes"`
	RowCount  int64  `json:"row_count"`
}

// JobReceipt is the terminal message a worker sends for a dispatched job.
type JobReceipt struct {
	Status    ReceiptStatus     `json:"status"`
	Metrics   map[string]int64  `json:"metrics,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Error     *string           `json:"error,omitempty"`
}

// ProgressUpdate is an in-flight status frame forwarded to the dispatcher.
type ProgressUpdate struct {
	JobID          string `json:"job_id"`
	ItemsProcessed int64  `json:"items_processed"`
	ItemsTotal     int64  `json:"items_total,omitempty"`
	ProgressPct    int    `json:"progress_pct"`
}

// EventKind enumerates the state transitions recorded onto a Job's event
// log, mirroring the lifecycle transitions in the data model.
type EventKind string

const (
	EventEnqueued    EventKind = "Enqueued"
	EventAdmitted    EventKind = "Admitted"
	EventStarted     EventKind = "Started"
	EventProgress    EventKind = "Progress"
	EventQuarantine  EventKind = "Quarantine"
	EventSucceeded   EventKind = "Succeeded"
	EventFailed      EventKind = "Failed"
	EventRejected    EventKind = "Rejected"
	EventCancelled   EventKind = "Cancelled"
)
