package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledger-reconciler/internal/app"
	"github.com/dvloznov/ledger-reconciler/internal/config"
	"github.com/dvloznov/ledger-reconciler/internal/gcsuploader"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/notionsync"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	"github.com/dvloznov/ledger-reconciler/internal/report"
	"github.com/dvloznov/ledger-reconciler/internal/tagging"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "reconcile":
		runReconcile(log)
	case "override":
		runOverride(log)
	case "overrides":
		runListOverrides(log)
	case "tag":
		runTag(log)
	case "report":
		runReport(log)
	case "upload":
		runUpload(log)
	case "sync-review":
		runSyncReview(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Ledger Reconciler CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  reconcile    Reconcile a raw batch into an enriched ledger")
	fmt.Println("  override     Assign a category to one transaction")
	fmt.Println("  overrides    List stored category overrides")
	fmt.Println("  tag          Suggest categories for untagged consumption records")
	fmt.Println("  report       Aggregate an enriched ledger")
	fmt.Println("  upload       Upload a batch file to GCS")
	fmt.Println("  sync-review  Push the review queue of a ledger to Notion")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// open loads configuration and wires the engine for one command.
func open(log zerolog.Logger, timeout time.Duration, opts app.Options) (context.Context, context.CancelFunc, *app.App) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log = logger.NewFromOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log, opts)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to wire engine")
	}
	return ctx, cancel, a
}

func fetcher(a *app.App) fetchFunc {
	if a.Storage == nil {
		return nil
	}
	return a.Storage.FetchFromGCS
}

func runReconcile(log zerolog.Logger) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	input := fs.String("input", "", "Raw batch: local JSON/JSONL file, gs:// URI or - for stdin")
	output := fs.String("output", "", "Where to write the enriched ledger (default stdout)")
	quarantine := fs.String("quarantine", "", "Where to write rejected rows as JSON")
	sinks := fs.Bool("sinks", false, "Publish the run to the configured BigQuery, GCS, AMQP and Notion sinks")
	fs.Parse(os.Args[2:])

	if *input == "" {
		log.Fatal().Msg("Usage: cli reconcile -input PATH [-output PATH] [-quarantine PATH] [-sinks]")
	}

	ctx, cancel, a := open(log, 10*time.Minute, app.Options{Sinks: *sinks})
	defer cancel()
	defer a.Close()

	raws, err := readRaw(ctx, *input, fetcher(a))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read batch")
	}

	out, err := a.Workspace.Reconcile(ctx, *input, raws)
	if out == nil {
		log.Fatal().Err(err).Msg("Reconciliation failed")
	}
	if err != nil {
		log.Error().Err(err).Msg("Some sinks failed")
	}

	if err := writeLedger(*output, out.Run.Records()); err != nil {
		log.Fatal().Err(err).Msg("Failed to write ledger")
	}
	if *quarantine != "" {
		if err := writeJSON(*quarantine, out.Run.Quarantine); err != nil {
			log.Fatal().Err(err).Msg("Failed to write quarantine")
		}
	}

	s := out.Run.Summary
	fmt.Fprintf(os.Stderr, "Run %s: %d accepted, %d quarantined, %d review items\n",
		out.Run.RunID, s.Accepted, s.Quarantined, len(out.Run.Review))
	fmt.Fprintf(os.Stderr, "Refunds: %d exact, %d heuristic, %d self-described, %d unmatched\n",
		s.Exact, s.Heuristic, s.SelfDescribed, s.Unmatched)
	for name, location := range out.Locations {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", name, location)
	}
}

func runOverride(log zerolog.Logger) {
	fs := flag.NewFlagSet("override", flag.ExitOnError)
	ledgerPath := fs.String("ledger", "", "Enriched ledger to apply the override to (optional)")
	platform := fs.String("platform", "", "Platform of the transaction (required without -ledger)")
	id := fs.String("id", "", "Transaction ID")
	l1 := fs.String("l1", "", "Level-1 category")
	l2 := fs.String("l2", "", "Level-2 category")
	output := fs.String("output", "", "Where to write the updated ledger (default stdout)")
	fs.Parse(os.Args[2:])

	if *id == "" || *l1 == "" || *l2 == "" {
		log.Fatal().Msg("Usage: cli override -id ID -l1 CATEGORY -l2 CATEGORY [-platform NAME] [-ledger PATH]")
	}

	ctx, cancel, a := open(log, time.Minute, app.Options{})
	defer cancel()
	defer a.Close()

	if *ledgerPath != "" {
		records, err := readLedger(ctx, *ledgerPath, fetcher(a))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read ledger")
		}
		if _, err := a.Workspace.ReconcileRecords(ctx, *ledgerPath, records); err != nil {
			log.Fatal().Err(err).Msg("Failed to load ledger")
		}
	}

	entry, err := a.Workspace.ApplyOverride(ctx, override.Request{
		Platform:      *platform,
		TransactionID: *id,
		L1:            *l1,
		L2:            *l2,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Override failed")
	}
	fmt.Fprintf(os.Stderr, "Override %s/%s -> %s/%s (version %d)\n",
		entry.Platform, entry.TransactionID, entry.L1, entry.L2, entry.Version)

	if *ledgerPath != "" {
		if err := writeLedger(*output, a.Workspace.Records()); err != nil {
			log.Fatal().Err(err).Msg("Failed to write ledger")
		}
	}
}

func runListOverrides(log zerolog.Logger) {
	fs := flag.NewFlagSet("overrides", flag.ExitOnError)
	platform := fs.String("platform", "", "Only overrides for this platform")
	source := fs.String("source", "", "Only overrides from this source (user or llm)")
	limit := fs.Int("limit", 0, "Maximum number of entries")
	fs.Parse(os.Args[2:])

	ctx, cancel, a := open(log, time.Minute, app.Options{})
	defer cancel()
	defer a.Close()

	entries, err := a.Workspace.ListOverrides(ctx, override.Filter{
		Platform: *platform,
		Source:   override.Source(*source),
		Limit:    *limit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list overrides")
	}
	if err := writeJSON("", entries); err != nil {
		log.Fatal().Err(err).Msg("Failed to write overrides")
	}
}

func runTag(log zerolog.Logger) {
	fs := flag.NewFlagSet("tag", flag.ExitOnError)
	ledgerPath := fs.String("ledger", "", "Enriched ledger to tag")
	output := fs.String("output", "", "Where to write the tagged ledger (default stdout)")
	batchSize := fs.Int("batch-size", 0, "Records per model request (default TAG_BATCH_SIZE)")
	fs.Parse(os.Args[2:])

	if *ledgerPath == "" {
		log.Fatal().Msg("Usage: cli tag -ledger PATH [-output PATH] [-batch-size N]")
	}

	ctx, cancel, a := open(log, 30*time.Minute, app.Options{})
	defer cancel()
	defer a.Close()

	records, err := readLedger(ctx, *ledgerPath, fetcher(a))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read ledger")
	}
	if _, err := a.Workspace.ReconcileRecords(ctx, *ledgerPath, records); err != nil {
		log.Fatal().Err(err).Msg("Failed to load ledger")
	}

	generator, err := tagging.NewGeminiGenerator(ctx, a.Config.GeminiModel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model client")
	}
	size := *batchSize
	if size <= 0 {
		size = a.Config.TagBatchSize
	}

	rep, err := a.Workspace.Tag(ctx, generator, size)
	if err != nil {
		log.Fatal().Err(err).Msg("Tagging failed")
	}
	if err := writeLedger(*output, a.Workspace.Records()); err != nil {
		log.Fatal().Err(err).Msg("Failed to write ledger")
	}
	fmt.Fprintf(os.Stderr, "Tagged %d of %d candidates (%d coerced, %d rejected, %d failed batches)\n",
		rep.Applied, rep.Candidates, rep.Coerced, rep.Rejected, rep.FailedBatches)
}

func runReport(log zerolog.Logger) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	ledgerPath := fs.String("ledger", "", "Enriched ledger to aggregate")
	kind := fs.String("kind", "summary", fmt.Sprintf("Report to build, one of %v", report.Names))
	query := fs.String("query", "", "Filters and options, e.g. 'platform=wechat&year=2024&level=l2'")
	output := fs.String("output", "", "Where to write the report (default stdout)")
	fs.Parse(os.Args[2:])

	if *ledgerPath == "" {
		log.Fatal().Msg("Usage: cli report -ledger PATH [-kind NAME] [-query FILTERS]")
	}

	q, err := url.ParseQuery(*query)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -query")
	}
	filter, err := report.ParseFilter(q)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid filter")
	}

	ctx, cancel, a := open(log, time.Minute, app.Options{})
	defer cancel()
	defer a.Close()

	records, err := readLedger(ctx, *ledgerPath, fetcher(a))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read ledger")
	}
	body, err := report.Build(*kind, filter.Apply(records), a.Tree, q)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build report")
	}
	if err := writeJSON(*output, body); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucketName := fs.String("bucket", "", "GCS bucket name")
	objectName := fs.String("object", "", "GCS object name (defaults to batches/<filename>)")
	filePath := fs.String("file", "", "Path to local batch file")
	fs.Parse(os.Args[2:])

	if *bucketName == "" || *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -bucket NAME -file PATH")
	}

	if *objectName == "" {
		*objectName = "batches/" + filepath.Base(*filePath)
	}

	ctx := context.Background()
	ctx = logger.WithContext(ctx, log)

	log.Info().
		Str("bucket", *bucketName).
		Str("object", *objectName).
		Str("file", *filePath).
		Msg("Uploading batch to GCS")

	if err := gcsuploader.UploadFile(ctx, *bucketName, *objectName, *filePath); err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}

	fmt.Printf("Uploaded %s to gs://%s/%s\n", *filePath, *bucketName, *objectName)
}

func runSyncReview(log zerolog.Logger) {
	fs := flag.NewFlagSet("sync-review", flag.ExitOnError)
	ledgerPath := fs.String("ledger", "", "Enriched ledger whose review queue to sync")
	dryRun := fs.Bool("dry-run", false, "Show what would be synced without writing to Notion")
	purge := fs.Bool("purge-resolved", false, "Archive pages already marked resolved")
	fs.Parse(os.Args[2:])

	if *ledgerPath == "" {
		log.Fatal().Msg("Usage: cli sync-review -ledger PATH [-dry-run] [-purge-resolved]")
	}

	ctx, cancel, a := open(log, 10*time.Minute, app.Options{})
	defer cancel()
	defer a.Close()

	if a.Notion == nil || a.Config.NotionReviewDBID == "" {
		log.Fatal().Msg("NOTION_TOKEN and NOTION_REVIEW_DB_ID are required")
	}

	records, err := readLedger(ctx, *ledgerPath, fetcher(a))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read ledger")
	}
	out, err := a.Workspace.ReconcileRecords(ctx, *ledgerPath, records)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load ledger")
	}

	stats, err := notionsync.SyncReviewItems(ctx, a.Notion, a.Config.NotionReviewDBID,
		out.Run.RunID, out.Run.Review, notionsync.IndexRecords(out.Run.Records()), *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	fmt.Printf("Review sync: %d created, %d updated, %d resolved, %d failed\n",
		stats.Created, stats.Updated, stats.Resolved, stats.Failed)

	if *purge {
		n, err := notionsync.PurgeResolved(ctx, a.Notion, a.Config.NotionReviewDBID, *dryRun)
		if err != nil {
			log.Fatal().Err(err).Msg("Purge failed")
		}
		fmt.Printf("Purged %d resolved pages\n", n)
	}
}
