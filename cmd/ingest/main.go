// Command ingest loads documents into the vector store. It ingests files
// named on the command line or found in -dir, publishes them to NATS with
// -publish, or consumes published jobs with -worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/internal/app"
	"github.com/WessleyAI/groundwork/pkg/config"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

// submitter takes one job: ingests it locally or queues it.
type submitter interface {
	Submit(ctx context.Context, job ingest.Job) error
}

type local struct{ ing *ingest.Ingester }

func (l local) Submit(ctx context.Context, job ingest.Job) error {
	_, err := l.ing.Ingest(ctx, job)
	return err
}

type publisher struct {
	nc      *nats.Conn
	subject string
}

func (p publisher) Submit(ctx context.Context, job ingest.Job) error {
	return ingest.Enqueue(ctx, p.nc, p.subject, job)
}

type scanner struct {
	sub     submitter
	log     *slog.Logger
	state   state
	path    string // state file
	pattern string

	files    func(status string) *metrics.Counter
	docs     func(status string) *metrics.Counter
	queue    *metrics.Gauge
	lastScan *metrics.Gauge
}

func newScanner(sub submitter, reg *metrics.Registry, statePath, pattern string, log *slog.Logger) *scanner {
	if pattern == "" {
		pattern = "*"
	}
	return &scanner{
		sub:     sub,
		log:     log,
		state:   loadState(statePath),
		path:    statePath,
		pattern: pattern,
		files: func(status string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("groundwork_ingest_files_total", "status", status), "Files processed by outcome.")
		},
		docs: func(status string) *metrics.Counter {
			return reg.Counter(metrics.WithLabels("groundwork_ingest_docs_total", "status", status), "Documents submitted by outcome.")
		},
		queue:    reg.Gauge("groundwork_ingest_queue_depth", "Files waiting in the current scan."),
		lastScan: reg.Gauge("groundwork_ingest_last_scan_timestamp", "Unix time of the last directory scan."),
	}
}

// processFile submits every job in path and returns the ok and failed counts.
// A partial failure counts as a failure so the file is retried.
func (s *scanner) processFile(ctx context.Context, path string) (int, int, error) {
	jobs, err := loadFile(path)
	if err != nil {
		return 0, 0, err
	}
	ok, failed := 0, 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := s.sub.Submit(ctx, job); err != nil {
			failed++
			s.docs("failed").Inc()
			s.log.Error("document failed", "file", filepath.Base(path), "title", job.Document.Title,
				"kind", domain.KindOf(err), "where", domain.WhereOf(err), "err", err)
			continue
		}
		ok++
		s.docs("ok").Inc()
	}
	return ok, failed, nil
}

// scanDir processes files in dir matching the scanner's pattern that are
// not yet recorded in the state. Hidden files and directories are skipped.
func (s *scanner) scanDir(ctx context.Context, dir string) error {
	s.lastScan.Set(time.Now().Unix())
	matches, err := doublestar.Glob(os.DirFS(dir), s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("ingest: glob %q: %w", s.pattern, err)
	}
	sort.Strings(matches)

	type file struct {
		rel  string
		size int64
	}
	var todo []file
	for _, rel := range matches {
		if hidden(rel) {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil || s.state[stateKey(rel, info.Size())] {
			continue
		}
		todo = append(todo, file{rel: rel, size: info.Size()})
	}
	s.queue.Set(int64(len(todo)))

	for _, f := range todo {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, failed, err := s.processFile(ctx, filepath.Join(dir, filepath.FromSlash(f.rel)))
		s.queue.Dec()
		switch {
		case errors.Is(err, errSkip):
			continue
		case err != nil:
			s.files("error").Inc()
			s.log.Error("file unreadable", "file", f.rel, "err", err)
			continue
		}
		s.log.Info("file done", "file", f.rel, "ok", ok, "failed", failed)
		if failed > 0 {
			s.files("retry").Inc()
			s.log.Warn("file had failures, will retry on next scan", "file", f.rel, "failed", failed)
			continue
		}
		s.files("done").Inc()
		s.state[stateKey(f.rel, f.size)] = true
		if err := s.state.save(s.path); err != nil {
			s.log.Warn("state save failed", "err", err)
		}
	}
	return nil
}

func hidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $GROUNDWORK_CONFIG or groundwork.yaml)")
		dir        = flag.String("dir", "", "directory to scan for documents")
		match      = flag.String("match", "*", "glob selecting files under -dir, ** recurses")
		interval   = flag.Duration("interval", 0, "rescan -dir at this interval; 0 scans once")
		stateFile  = flag.String("state", "", "file recording processed files")
		publish    = flag.Bool("publish", false, "publish jobs to NATS instead of ingesting")
		worker     = flag.Bool("worker", false, "consume jobs from NATS")
		metricPort = flag.Int("metrics-port", 0, "serve /metrics on this port")
	)
	flag.Parse()

	cfg, logger, err := app.Boot(*configPath)
	if err != nil && !(*publish && onlyMissingModels(err)) {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	if *metricPort > 0 {
		reg.ServeAsync(ctx, *metricPort, logger)
	}

	opts := runOpts{dir: *dir, match: *match, interval: *interval, state: *stateFile, publish: *publish, worker: *worker, files: flag.Args()}
	if err := run(ctx, cfg, reg, logger, opts); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

type runOpts struct {
	dir      string
	match    string
	interval time.Duration
	state    string
	publish  bool
	worker   bool
	files    []string
}

// onlyMissingModels reports whether err names only model credentials,
// which a pure publisher does not need.
func onlyMissingModels(err error) bool {
	var multi interface{ Unwrap() []error }
	errs := []error{err}
	if errors.As(err, &multi) {
		errs = multi.Unwrap()
	}
	for _, e := range errs {
		var de *domain.Error
		if !errors.As(e, &de) || (de.Msg != "embedding.api_key" && de.Msg != "completion.api_key") {
			return false
		}
	}
	return true
}

func run(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger, o runOpts) error {
	if o.publish && o.worker {
		return errors.New("ingest: -publish and -worker are exclusive")
	}
	if o.match != "" && !doublestar.ValidatePattern(o.match) {
		return fmt.Errorf("ingest: bad -match pattern %q", o.match)
	}

	var nc *nats.Conn
	if o.publish || o.worker {
		var err error
		nc, err = nats.Connect(or(cfg.Ingest.NATSURL, nats.DefaultURL), nats.Name("groundwork-ingest"))
		if err != nil {
			return fmt.Errorf("ingest: nats connect: %w", err)
		}
		defer nc.Drain()
	}

	var sub submitter
	if o.publish {
		sub = publisher{nc: nc, subject: cfg.Ingest.Subject}
	} else {
		embedder, err := app.Embedder(cfg, reg, logger)
		if err != nil {
			return err
		}
		docs, closeStore, err := app.Store(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		ing := ingest.New(app.IngestDeps(cfg, embedder, docs, reg, logger))

		if o.worker {
			s, err := ingest.StartConsumer(nc, ing, app.ConsumerConfig(cfg, logger))
			if err != nil {
				return err
			}
			defer s.Unsubscribe()
			logger.Info("ingest worker started", "subject", cfg.Ingest.Subject, "dlq", cfg.Ingest.DLQSubject)
			<-ctx.Done()
			return nil
		}
		sub = local{ing: ing}
	}

	sc := newScanner(sub, reg, o.state, o.match, logger)
	var failed int
	for _, f := range o.files {
		ok, bad, err := sc.processFile(ctx, f)
		if err != nil {
			return fmt.Errorf("ingest: %s: %w", f, err)
		}
		logger.Info("file done", "file", f, "ok", ok, "failed", bad)
		failed += bad
	}

	if o.dir == "" {
		if failed > 0 {
			return fmt.Errorf("ingest: %d document(s) failed", failed)
		}
		return nil
	}

	if err := sc.scanDir(ctx, o.dir); err != nil || o.interval <= 0 {
		return err
	}
	logger.Info("watching for documents", "dir", o.dir, "interval", o.interval)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := sc.scanDir(ctx, o.dir); err != nil {
				logger.Error("scan failed", "err", err)
			}
		}
	}
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
