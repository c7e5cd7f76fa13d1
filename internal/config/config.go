package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mkoziy/radiant/pipeline/internal/ratelimit"
)

// Config is the shared configuration for every radiant command.
type Config struct {
	Env        string            `mapstructure:"env"`
	Log        LogConfig         `mapstructure:"log"`
	AWS        AWSConfig         `mapstructure:"aws"`
	Athena     AthenaConfig      `mapstructure:"athena"`
	S3         S3Config          `mapstructure:"s3"`
	BRIM       BRIMConfig        `mapstructure:"brim"`
	Ollama     OllamaConfig      `mapstructure:"ollama"`
	Store      StoreConfig       `mapstructure:"store"`
	Views      ViewsConfig       `mapstructure:"views"`
	Timeline   TimelineConfig    `mapstructure:"timeline"`
	RateLimits ratelimit.Sources `mapstructure:"rate_limits"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AWSConfig struct {
	Profile string `mapstructure:"profile"`
	Region  string `mapstructure:"region"`
}

type AthenaConfig struct {
	Database       string        `mapstructure:"database"`
	Catalog        string        `mapstructure:"catalog"`
	Workgroup      string        `mapstructure:"workgroup"`
	OutputLocation string        `mapstructure:"output_location"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	PageSize       int32         `mapstructure:"page_size"`
}

type S3Config struct {
	BinaryBucket string `mapstructure:"binary_bucket"`
	BinaryPrefix string `mapstructure:"binary_prefix"`
}

type BRIMConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIToken      string        `mapstructure:"api_token"`
	ProjectID     string        `mapstructure:"project_id"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ExportTimeout time.Duration `mapstructure:"export_timeout"`
}

type OllamaConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	NumCtx       int           `mapstructure:"num_ctx"`
	Votes        int           `mapstructure:"votes"`
	MinAgreement int           `mapstructure:"min_agreement"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	DSN   string `mapstructure:"dsn"`
	Debug bool   `mapstructure:"debug"`
}

// ViewsConfig names the Athena views the structured fetchers read from.
type ViewsConfig struct {
	Demographics string `mapstructure:"demographics"`
	Diagnoses    string `mapstructure:"diagnoses"`
	Procedures   string `mapstructure:"procedures"`
	Medications  string `mapstructure:"medications"`
	Radiation    string `mapstructure:"radiation"`
	Imaging      string `mapstructure:"imaging"`
	Documents    string `mapstructure:"documents"`
}

type TimelineConfig struct {
	ChemoEpisodeGap time.Duration `mapstructure:"chemo_episode_gap"`
	FetchWorkers    int           `mapstructure:"fetch_workers"`
	Windows         []WindowTier  `mapstructure:"windows"`
}

// WindowTier is one document-selection tier around a timeline event.
type WindowTier struct {
	Days  int `mapstructure:"days"`
	Limit int `mapstructure:"limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	// Keys without a real default still need registering so that
	// AutomaticEnv values reach Unmarshal.
	for _, key := range []string{
		"aws.profile", "athena.database", "athena.output_location",
		"s3.binary_bucket", "brim.api_token", "brim.project_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("store.debug", false)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("athena.catalog", "AwsDataCatalog")
	v.SetDefault("athena.workgroup", "primary")
	v.SetDefault("athena.poll_interval", 2*time.Second)
	v.SetDefault("athena.query_timeout", 10*time.Minute)
	v.SetDefault("athena.page_size", 1000)
	v.SetDefault("s3.binary_prefix", "prd/source/Binary/")
	v.SetDefault("brim.base_url", "https://brim.radiant-tst.d3b.io")
	v.SetDefault("brim.poll_interval", 10*time.Second)
	v.SetDefault("brim.export_timeout", 30*time.Minute)
	v.SetDefault("ollama.server_url", "http://127.0.0.1:11434")
	v.SetDefault("ollama.model", "gemma2:27b")
	v.SetDefault("ollama.temperature", 0.1)
	v.SetDefault("ollama.num_ctx", 8192)
	v.SetDefault("ollama.votes", 3)
	v.SetDefault("ollama.min_agreement", 2)
	v.SetDefault("ollama.timeout", 5*time.Minute)
	v.SetDefault("store.dsn", "file:radiant.db?cache=shared")
	v.SetDefault("views.demographics", "v_patient_demographics")
	v.SetDefault("views.diagnoses", "v_problem_list_diagnoses")
	v.SetDefault("views.procedures", "v_procedures_tumor")
	v.SetDefault("views.medications", "v_medications")
	v.SetDefault("views.radiation", "v_radiation_treatments")
	v.SetDefault("views.imaging", "v_imaging")
	v.SetDefault("views.documents", "v_binary_files")
	v.SetDefault("timeline.chemo_episode_gap", 21*24*time.Hour)
	v.SetDefault("timeline.fetch_workers", 4)
	v.SetDefault("timeline.windows", []map[string]any{
		{"days": 7, "limit": 3},
		{"days": 30, "limit": 5},
		{"days": 90, "limit": 5},
	})
}

// Load reads the optional YAML file at path, then RADIANT_* environment
// variables, on top of built-in defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RADIANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
		if cfg.IsDev() {
			cfg.Log.Format = "console"
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RequireAthena checks the settings every Athena-backed command needs.
func (c *Config) RequireAthena() error {
	var errs []string
	if c.Athena.Database == "" {
		errs = append(errs, "athena.database is required")
	}
	if c.Athena.OutputLocation == "" && c.Athena.Workgroup == "" {
		errs = append(errs, "athena.output_location or athena.workgroup is required")
	}
	if c.Athena.OutputLocation != "" && !strings.HasPrefix(c.Athena.OutputLocation, "s3://") {
		errs = append(errs, "athena.output_location must be an s3:// URI")
	}
	if c.Athena.PageSize <= 0 || c.Athena.PageSize > 1000 {
		errs = append(errs, "athena.page_size must be between 1 and 1000")
	}
	return joinErrs(errs)
}

// RequireBRIM checks the BRIM API settings.
func (c *Config) RequireBRIM() error {
	var errs []string
	if c.BRIM.BaseURL == "" {
		errs = append(errs, "brim.base_url is required")
	}
	if c.BRIM.APIToken == "" {
		errs = append(errs, "brim.api_token is required (set RADIANT_BRIM_API_TOKEN)")
	}
	if c.BRIM.ProjectID == "" {
		errs = append(errs, "brim.project_id is required")
	}
	return joinErrs(errs)
}

// RequireDocuments checks the S3 Binary store settings.
func (c *Config) RequireDocuments() error {
	if c.S3.BinaryBucket == "" {
		return fmt.Errorf("configuration errors:\n  - s3.binary_bucket is required")
	}
	return nil
}

// RequireOllama checks the local model settings.
func (c *Config) RequireOllama() error {
	var errs []string
	if c.Ollama.ServerURL == "" {
		errs = append(errs, "ollama.server_url is required")
	}
	if c.Ollama.Model == "" {
		errs = append(errs, "ollama.model is required")
	}
	if c.Ollama.Votes < 1 {
		errs = append(errs, "ollama.votes must be at least 1")
	}
	if c.Ollama.MinAgreement < 1 || c.Ollama.MinAgreement > c.Ollama.Votes {
		errs = append(errs, "ollama.min_agreement must be between 1 and ollama.votes")
	}
	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
}
