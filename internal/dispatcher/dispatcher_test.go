package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"casparian/internal/clock"
	"casparian/internal/config"
	"casparian/internal/registry"
	"casparian/internal/schema"
	"casparian/internal/store"
	"casparian/internal/wire"
	"casparian/internal/worker"
)

// fakeRuntime is a scripted worker.Runtime: it returns whatever was queued
// for the dispatch command's plugin name, and records every cmd it saw.
type fakeRuntime struct {
	results map[string]fakeResult
	seen    []wire.DispatchCommand
}

type fakeResult struct {
	out worker.RunOutputs
	err error
}

func (f *fakeRuntime) Run(ctx context.Context, cmd wire.DispatchCommand, onProgress worker.ProgressFunc) (worker.RunOutputs, error) {
	f.seen = append(f.seen, cmd)
	onProgress(wire.ProgressUpdate{ItemsProcessed: 1, ProgressPct: 100})
	r := f.results[cmd.PluginName]
	return r.out, r.err
}

func testArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)
}

func buildBatch(t *testing.T, ids ...int64) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	b := array.NewInt64Builder(pool)
	defer b.Release()
	b.AppendValues(ids, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(testArrowSchema(), []arrow.Array{col}, int64(len(ids)))
}

type harness struct {
	st       *store.Store
	reg      *registry.Registry
	schemas  *schema.Store
	rt       *fakeRuntime
	cfg      *config.Config
	d        *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cl := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(":memory:", cl)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	schemas := schema.New()
	trust := &config.TrustConfig{Mode: config.TrustAllowUnsignedNative}
	reg := registry.New(trust, schemas)

	cfg := config.Default()
	cfg.Pool.Size = 2
	cfg.Dispatch.TickInterval = 10 * time.Millisecond
	cfg.Dispatch.MaxJobDuration = time.Minute
	cfg.Trust = *trust

	rt := &fakeRuntime{results: map[string]fakeResult{}}
	runtimes := map[wire.RuntimeKind]worker.Runtime{
		wire.RuntimePythonShim: rt,
	}

	d := New(cfg, st, reg, schemas, runtimes, cl)
	return &harness{st: st, reg: reg, schemas: schemas, rt: rt, cfg: cfg, d: d}
}

func (h *harness) deployShimPlugin(t *testing.T, name, version string) {
	t.Helper()
	rawSchema := `{"type":"struct","fields":[{"name":"id","type":"int64"}]}`
	_, err := h.reg.Deploy(registry.DeployInput{
		Name:                name,
		Version:             version,
		ProtocolVersion:     "1",
		RuntimeKind:         wire.RuntimePythonShim,
		Entrypoint:          "run",
		ManifestJSON:        `{}`,
		SchemaArtifactsJSON: `{}`,
		OutputsJSON:         `["rows"]`,
		SourceBytes:         []byte("package main\nfunc main() {}\n"),
		OutputSchemas: map[string]registry.OutputSchema{
			"rows": {
				RawJSON:     rawSchema,
				TargetKeys:  []string{"id"},
				ArrowSchema: testArrowSchema(),
			},
		},
	})
	require.NoError(t, err)
}

func (h *harness) enqueue(t *testing.T, name, version, inputHandle string, priority int) string {
	t.Helper()
	jobID := uuid.NewString()
	err := h.st.CreateJob(store.CreateJobParams{
		JobID:         jobID,
		PluginName:    name,
		PluginVersion: version,
		RuntimeKind:   wire.RuntimePythonShim,
		InputHandle:   inputHandle,
		Priority:      priority,
	})
	require.NoError(t, err)
	return jobID
}

func TestTick_AdmitsAndSucceeds(t *testing.T) {
	h := newHarness(t)
	h.deployShimPlugin(t, "acme.exporter", "1.0.0")
	jobID := h.enqueue(t, "acme.exporter", "1.0.0", "handle-1", 0)

	h.rt.results["acme.exporter"] = fakeResult{out: worker.RunOutputs{
		Receipt: wire.JobReceipt{Status: wire.ReceiptSuccess},
		Batches: []worker.OutputBatch{{Output: "rows", Batch: buildBatch(t, 1, 2, 3)}},
	}}

	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())

	job, err := h.st.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, job.Status)

	count, err := h.st.CountLandingRows("rows", mustSchemaHash(t, h.schemas, "acme.exporter", "1.0.0", "rows"))
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	_, realized, err := h.st.LookupRealizedInput("acme.exporter", "1.0.0", "handle-1")
	require.NoError(t, err)
	require.True(t, realized)
}

func TestTick_RejectsUnknownPlugin(t *testing.T) {
	h := newHarness(t)
	jobID := h.enqueue(t, "ghost.plugin", "1.0.0", "handle-1", 0)

	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())

	job, err := h.st.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRejected, job.Status)
}

func TestTick_SkipsApprovalPendingJob(t *testing.T) {
	h := newHarness(t)
	h.deployShimPlugin(t, "acme.exporter", "1.0.0")
	jobID := h.enqueue(t, "acme.exporter", "1.0.0", "handle-1", 0)
	_, err := h.st.CreateApproval(jobID, "needs human review", time.Hour)
	require.NoError(t, err)

	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())

	job, err := h.st.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, job.Status)
}

func TestTick_IdempotentReplayShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.deployShimPlugin(t, "acme.exporter", "1.0.0")

	first := h.enqueue(t, "acme.exporter", "1.0.0", "handle-1", 0)
	h.rt.results["acme.exporter"] = fakeResult{out: worker.RunOutputs{
		Receipt: wire.JobReceipt{Status: wire.ReceiptSuccess},
	}}
	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())
	job, err := h.st.GetJob(first)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, job.Status)

	second := h.enqueue(t, "acme.exporter", "1.0.0", "handle-1", 0)
	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())

	job2, err := h.st.GetJob(second)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, job2.Status)
	require.Len(t, h.rt.seen, 1, "the second enqueue should short-circuit on the realized_inputs record, never reaching the runtime")
}

func TestTick_PriorityOrdersAdmission(t *testing.T) {
	h := newHarness(t)
	h.deployShimPlugin(t, "acme.exporter", "1.0.0")
	h.cfg.Pool.Size = 1
	h.d = New(h.cfg, h.st, h.reg, h.schemas, map[wire.RuntimeKind]worker.Runtime{wire.RuntimePythonShim: h.rt}, clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	h.rt.results["acme.exporter"] = fakeResult{out: worker.RunOutputs{Receipt: wire.JobReceipt{Status: wire.ReceiptSuccess}}}

	h.enqueue(t, "acme.exporter", "1.0.0", "low", 0)
	h.enqueue(t, "acme.exporter", "1.0.0", "high", 5)

	h.d.tick(context.Background())
	require.NoError(t, h.d.pool.Wait())

	require.GreaterOrEqual(t, len(h.rt.seen), 1)
	require.Equal(t, "high", h.rt.seen[0].InputHandle)
}

func mustSchemaHash(t *testing.T, s *schema.Store, plugin, version, output string) string {
	t.Helper()
	c, ok := s.Lookup(plugin, version, output)
	require.True(t, ok)
	return c.SchemaHash
}
