package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/mkoziy/radiant/pipeline/internal/athena"
	"github.com/mkoziy/radiant/pipeline/internal/config"
	"github.com/mkoziy/radiant/pipeline/internal/database"
	"github.com/mkoziy/radiant/pipeline/internal/documents"
	"github.com/mkoziy/radiant/pipeline/internal/llm"
	"github.com/mkoziy/radiant/pipeline/internal/logging"
	"github.com/mkoziy/radiant/pipeline/internal/metrics"
	"github.com/mkoziy/radiant/pipeline/internal/migrations"
	"github.com/mkoziy/radiant/pipeline/internal/repositories"
	"github.com/mkoziy/radiant/pipeline/internal/sources/brim"
	"github.com/mkoziy/radiant/pipeline/internal/sources/fhir"
)

// app holds the configuration and the lazily built clients shared by all
// commands of one invocation.
type app struct {
	configPath  string
	metricsAddr string

	cfg    *config.Config
	logger zerolog.Logger

	awsCfg     *aws.Config
	db         *bun.DB
	metricsSrv *http.Server
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger, err := logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return usageError{err}
	}
	a.cfg = cfg
	a.logger = logger.With().Str("command", cmd.Name()).Logger()

	if a.metricsAddr != "" {
		a.serveMetrics()
	}
	return nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metricsSrv = &http.Server{
		Addr:              a.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", a.metricsAddr).Msg("metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", a.metricsAddr).Msg("serving metrics")
}

func (a *app) close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close run store")
		}
	}
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(a.cfg.AWS.Region)}
	if a.cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.cfg.AWS.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// athenaClient builds the query executor. With a run id and an open run
// store every execution is audited against the run.
func (a *app) athenaClient(ctx context.Context, runID string) (*athena.Client, error) {
	if err := a.cfg.RequireAthena(); err != nil {
		return nil, err
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	retry, _ := a.cfg.RateLimits.Get("athena")

	client := athena.New(awsathena.NewFromConfig(awsCfg), athena.Options{
		Database:       a.cfg.Athena.Database,
		Catalog:        a.cfg.Athena.Catalog,
		Workgroup:      a.cfg.Athena.Workgroup,
		OutputLocation: a.cfg.Athena.OutputLocation,
		PollInterval:   a.cfg.Athena.PollInterval,
		Timeout:        a.cfg.Athena.QueryTimeout,
		PageSize:       a.cfg.Athena.PageSize,
		Retry:          retry,
	}, a.logger)

	if a.db != nil && runID != "" {
		client.WithAudit(repositories.AuditHook(a.db, runID, func(err error) {
			a.logger.Warn().Err(err).Msg("query audit not recorded")
		}))
	}
	return client, nil
}

func (a *app) fetcher(exec fhir.Executor) *fhir.Fetcher {
	v := a.cfg.Views
	return fhir.NewFetcher(exec, fhir.Views{
		Demographics: v.Demographics,
		Diagnoses:    v.Diagnoses,
		Procedures:   v.Procedures,
		Medications:  v.Medications,
		Radiation:    v.Radiation,
		Imaging:      v.Imaging,
		Documents:    v.Documents,
	}, a.logger)
}

func (a *app) documentStore(ctx context.Context) (*documents.Store, error) {
	if err := a.cfg.RequireDocuments(); err != nil {
		return nil, err
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return documents.NewStore(
		s3.NewFromConfig(awsCfg),
		textract.NewFromConfig(awsCfg),
		a.cfg.S3.BinaryBucket,
		a.cfg.S3.BinaryPrefix,
		a.logger,
	), nil
}

func (a *app) extractor() (*llm.Extractor, error) {
	if err := a.cfg.RequireOllama(); err != nil {
		return nil, err
	}
	gen, err := llm.NewOllama(a.cfg.Ollama)
	if err != nil {
		return nil, err
	}
	return llm.New(gen, llm.Options{
		Model:       a.cfg.Ollama.Model,
		Temperature: a.cfg.Ollama.Temperature,
	}, a.cfg.RateLimits.Limiter("ollama"), a.logger), nil
}

func (a *app) brimClient() (*brim.Client, error) {
	if err := a.cfg.RequireBRIM(); err != nil {
		return nil, err
	}
	retry, _ := a.cfg.RateLimits.Get("brim")
	return brim.NewClient(a.cfg.BRIM.BaseURL, a.cfg.BRIM.APIToken, a.cfg.RateLimits.Limiter("brim"), retry, a.logger), nil
}

// store opens the run store once and applies pending migrations.
func (a *app) store(ctx context.Context) (*bun.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.Open(ctx, a.cfg.Store.DSN, a.cfg.Store.Debug)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if err := migrations.RunMigrations(ctx, db, a.logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	return db, nil
}

// track records fn as a pipeline run. When the run store cannot be opened
// fn still runs, with an empty run id.
func (a *app) track(ctx context.Context, command, patientID string, fn func(runID string) error) error {
	db, err := a.store(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("run store unavailable, run not recorded")
		return fn("")
	}
	run, err := repositories.StartRun(ctx, db, command, patientID, a.snapshot())
	if err != nil {
		a.logger.Warn().Err(err).Msg("run not recorded")
		return fn("")
	}

	log := a.logger.With().Str("run_id", run.RunID).Logger()
	log.Info().Msg("run started")
	runErr := fn(run.RunID)

	if err := repositories.FinishRun(context.WithoutCancel(ctx), db, run, runErr); err != nil {
		log.Warn().Err(err).Msg("run result not recorded")
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("run failed")
	} else {
		log.Info().Msg("run finished")
	}
	return runErr
}

// snapshot renders the effective configuration without secrets.
func (a *app) snapshot() string {
	cfg := *a.cfg
	if cfg.BRIM.APIToken != "" {
		cfg.BRIM.APIToken = "[REDACTED]"
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(data)
}

// output runs write against stdout, or against the file at path when one
// is given.
func output(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
