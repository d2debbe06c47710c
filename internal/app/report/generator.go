// Package report streams a scan's findings through every output-format and
// compliance-framework writer and finalizes the resulting artifacts.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/app/report/compliance"
	"github.com/ahrav/cloudscan-armada/internal/app/report/output"
	domaincompliance "github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
	"github.com/ahrav/cloudscan-armada/pkg/common/timeutil"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

// Config controls batching and where artifacts are staged.
type Config struct {
	// BatchSize is the number of findings held in memory at once.
	BatchSize int
	// PageSize is the number of findings fetched per storage round trip.
	PageSize int
	// OutputDir is the local staging root.
	OutputDir string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 50, PageSize: 500, OutputDir: filepath.Join(os.TempDir(), "cloudscan")}
}

// Generator produces the report artifacts for one scan per invocation.
type Generator struct {
	scans     scanning.ScanRunRepository
	findings  scanning.FindingRepository
	summaries scanning.SummaryRepository
	providers scanning.ProviderRepository
	catalog   domaincompliance.Catalog
	finalizer *Finalizer
	formats   []output.Format

	cfg     Config
	clock   timeutil.Provider
	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithFormats replaces the output formats written for every report.
func WithFormats(formats []output.Format) GeneratorOption {
	return func(g *Generator) { g.formats = formats }
}

// WithClock replaces the wall clock.
func WithClock(clock timeutil.Provider) GeneratorOption {
	return func(g *Generator) { g.clock = clock }
}

// NewGenerator creates a report Generator.
func NewGenerator(
	scans scanning.ScanRunRepository,
	findings scanning.FindingRepository,
	summaries scanning.SummaryRepository,
	providers scanning.ProviderRepository,
	catalog domaincompliance.Catalog,
	finalizer *Finalizer,
	cfg Config,
	metrics Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...GeneratorOption,
) *Generator {
	g := &Generator{
		scans:     scans,
		findings:  findings,
		summaries: summaries,
		providers: providers,
		catalog:   catalog,
		finalizer: finalizer,
		formats:   output.Formats(),
		cfg:       cfg,
		clock:     timeutil.Default(),
		metrics:   metrics,
		logger:    logger.With("component", "report_generator"),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// run holds the state of one Generate invocation. Its writer registry is
// never shared with another invocation.
type run struct {
	scan       *scanning.ScanRun
	provider   *scanning.Provider
	frameworks []domaincompliance.Framework
	stats      scanning.Stats

	outputDir     string
	complianceDir string
	prefix        string

	writers *writerRegistry[output.Writer]
}

// Generate writes every report artifact for the scan and finalizes them. A
// scan without summary rows produces nothing and reports Uploaded false.
func (g *Generator) Generate(ctx context.Context, tenantID, scanID uuid.UUID) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "report_generator.generate",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID.String()),
			attribute.String("scan_id", scanID.String()),
		))
	defer span.End()

	log := g.logger.With("operation", "generate", "scan_id", scanID, "tenant_id", tenantID)

	hasSummary, err := g.summaries.Exists(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check summary")
		return Result{}, fmt.Errorf("checking summary for scan %s: %w", scanID, err)
	}
	if !hasSummary {
		g.metrics.IncReportsSkipped(ctx)
		span.SetStatus(codes.Ok, "no summary")
		log.Info(ctx, "no summary found, skipping report generation")
		return Result{Uploaded: false}, nil
	}

	r, err := g.prepare(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prepare report")
		return Result{}, err
	}

	batches := 0
	stream := g.findings.StreamByScan(ctx, tenantID, scanID, g.cfg.PageSize)
	for batch, err := range Batched(stream, g.cfg.BatchSize) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read findings")
			return Result{}, fmt.Errorf("reading findings for scan %s: %w", scanID, err)
		}
		if err := g.processBatch(ctx, r, batch); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to write batch")
			return Result{}, err
		}
		batches++
	}

	// A summarized scan without findings still gets its artifacts, manual
	// compliance rows included.
	if batches == 0 {
		if err := g.processBatch(ctx, r, Batch[*scanning.Finding]{Last: true}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to write empty batch")
			return Result{}, err
		}
		batches = 1
	}
	span.AddEvent("batches_written", trace.WithAttributes(
		attribute.Int("batches", batches),
		attribute.Int("writers", r.writers.Len()),
	))

	res, err := g.finalizer.Finalize(ctx, r.scan, r.outputDir, r.prefix+".zip")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize report")
		return Result{}, err
	}

	span.SetStatus(codes.Ok, "report generated")
	log.Info(ctx, "report generated", "batches", batches, "uploaded", res.Uploaded)
	return res, nil
}

func (g *Generator) prepare(ctx context.Context, tenantID, scanID uuid.UUID) (*run, error) {
	scan, err := g.scans.Get(ctx, tenantID, scanID)
	if err != nil {
		return nil, fmt.Errorf("loading scan %s: %w", scanID, err)
	}
	provider, err := g.providers.Get(ctx, tenantID, scan.ProviderID())
	if err != nil {
		return nil, fmt.Errorf("loading provider %s: %w", scan.ProviderID(), err)
	}
	frameworks, err := g.catalog.ForProvider(ctx, provider.Type)
	if err != nil {
		return nil, fmt.Errorf("loading compliance frameworks for %s: %w", provider.Type, err)
	}
	rows, err := g.summaries.List(ctx, tenantID, scanID)
	if err != nil {
		return nil, fmt.Errorf("loading summary for scan %s: %w", scanID, err)
	}

	outputDir := filepath.Join(g.cfg.OutputDir, tenantID.String(), scanID.String())
	complianceDir := filepath.Join(outputDir, "compliance")
	if err := os.MkdirAll(complianceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &run{
		scan:          scan,
		provider:      provider,
		frameworks:    frameworks,
		stats:         scanning.StatsFromSummary(rows, scan.UniqueResources()),
		outputDir:     outputDir,
		complianceDir: complianceDir,
		prefix:        fmt.Sprintf("cloudscan-output-%s-%s", provider.UID, g.clock.Now().UTC().Format("20060102150405")),
		writers:       newWriterRegistry[output.Writer](),
	}, nil
}

// processBatch pushes one batch through every writer: create or merge, set
// the finalize flag, flush, clear.
func (g *Generator) processBatch(ctx context.Context, r *run, batch Batch[*scanning.Finding]) error {
	rows := toOutput(batch.Items, r.provider)

	for _, f := range g.formats {
		path := filepath.Join(r.outputDir, r.prefix+f.Suffix)
		opts := output.Options{Provider: r.provider, Stats: &r.stats, Clock: g.clock}
		err := g.write(ctx, r, f.Key, batch.Last, rows, func() (output.Writer, error) {
			return f.New(path, rows, opts)
		})
		if err != nil {
			return err
		}
	}

	for _, fw := range r.frameworks {
		path := filepath.Join(r.complianceDir, r.prefix+"_"+fw.ID+".csv")
		err := g.write(ctx, r, "compliance:"+fw.ID, batch.Last, rows, func() (output.Writer, error) {
			return compliance.NewWriter(path, fw, r.provider.Type, rows, g.clock.Now()), nil
		})
		if err != nil {
			return err
		}
	}

	g.metrics.IncBatchesProcessed(ctx)
	return nil
}

func (g *Generator) write(
	ctx context.Context,
	r *run,
	key string,
	isLast bool,
	rows []output.Finding,
	create func() (output.Writer, error),
) error {
	w, created, err := r.writers.GetOrCreate(key, isLast, create)
	if err != nil {
		return fmt.Errorf("creating %s writer: %w", key, err)
	}
	if !created {
		w.Transform(rows)
	}

	buffered := w.Rows()
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("flushing %s writer: %w", key, err)
	}
	w.Clear()
	g.metrics.AddRowsWritten(ctx, key, buffered)
	return nil
}
