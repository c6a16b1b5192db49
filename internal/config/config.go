package config

/*
geoingest — parallel ingestion of geospatial record sets into PostGIS
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config loads geoingest settings from an optional YAML file and GEOINGEST_*
// environment variables. Environment variables win over the file; both win over defaults.
import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/x-stp/geoingest/internal/admission"
	"github.com/x-stp/geoingest/internal/chunkqueue"
	"github.com/x-stp/geoingest/internal/countries"
	"github.com/x-stp/geoingest/internal/database"
	"github.com/x-stp/geoingest/internal/geoimport"
	"github.com/x-stp/geoingest/internal/logging"
	"github.com/x-stp/geoingest/internal/partition"
	"github.com/x-stp/geoingest/internal/pipeline"
	"github.com/x-stp/geoingest/internal/resource"
	"github.com/x-stp/geoingest/internal/retry"
)

// Admission modes.
const (
	ModeTicket    = "ticket"
	ModeSemaphore = "semaphore"
)

// Config is the complete geoingest configuration.
type Config struct {
	// ScratchDir holds queue state, chunk runs and parts.
	ScratchDir string `yaml:"scratch_dir" env:"GEOINGEST_SCRATCH_DIR" env-default:"/tmp/geoingest" env-description:"directory for queue state, runs and parts"`

	Logging    Logging          `yaml:"logging"`
	Metrics    Metrics          `yaml:"metrics"`
	Resources  Resources        `yaml:"resources"`
	Partition  Partition        `yaml:"partition"`
	Pipeline   Pipeline         `yaml:"pipeline"`
	Admission  Admission        `yaml:"admission"`
	Retry      Retry            `yaml:"retry"`
	ChunkQueue ChunkQueue       `yaml:"chunk_queue"`
	Database   Database         `yaml:"database"`
	HTTP       HTTP             `yaml:"http"`
	Import     Import           `yaml:"import"`
	Countries  countries.Schema `yaml:"countries" env-prefix:"GEOINGEST_"`
}

type Logging struct {
	Level  string `yaml:"level" env:"GEOINGEST_LOG_LEVEL" env-default:"info" env-description:"trace, debug, info, warn or error"`
	Format string `yaml:"format" env:"GEOINGEST_LOG_FORMAT" env-default:"text" env-description:"text or json"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled" env:"GEOINGEST_METRICS_ENABLED" env-default:"false"`
	Addr    string `yaml:"addr" env:"GEOINGEST_METRICS_ADDR" env-default:":9108" env-description:"listen address of the /metrics endpoint"`
}

type Resources struct {
	// LoadCeiling of zero means the CPU count.
	LoadCeiling      float64       `yaml:"load_ceiling" env:"GEOINGEST_LOAD_CEILING" env-default:"0"`
	BaseLaunchDelay  time.Duration `yaml:"base_launch_delay" env:"GEOINGEST_BASE_LAUNCH_DELAY" env-default:"500ms"`
	MaxLaunchDelay   time.Duration `yaml:"max_launch_delay" env:"GEOINGEST_MAX_LAUNCH_DELAY" env-default:"10s"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent" env:"GEOINGEST_MAX_MEMORY_PERCENT" env-default:"85"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"GEOINGEST_RESOURCE_POLL_INTERVAL" env-default:"5s"`
	MaxWait          time.Duration `yaml:"max_wait" env:"GEOINGEST_RESOURCE_MAX_WAIT" env-default:"5m"`
}

type Partition struct {
	Algorithm           string `yaml:"algorithm" env:"GEOINGEST_PARTITION_ALGORITHM" env-default:"auto" env-description:"auto, line-scan, position or single-pass"`
	MinRecordsPerPart   int64  `yaml:"min_records_per_part" env:"GEOINGEST_MIN_RECORDS_PER_PART" env-default:"25000"`
	MaxRecordsPerPart   int64  `yaml:"max_records_per_part" env:"GEOINGEST_MAX_RECORDS_PER_PART" env-default:"50000"`
	PartsCeiling        int    `yaml:"parts_ceiling" env:"GEOINGEST_PARTS_CEILING" env-default:"50"`
	PositionThreshold   int64  `yaml:"position_threshold" env:"GEOINGEST_POSITION_THRESHOLD" env-default:"500000"`
	SinglePassThreshold int64  `yaml:"single_pass_threshold" env:"GEOINGEST_SINGLE_PASS_THRESHOLD" env-default:"104857600"`
	CopyConcurrency     int    `yaml:"copy_concurrency" env:"GEOINGEST_COPY_CONCURRENCY" env-default:"4"`
}

type Pipeline struct {
	Workers    int    `yaml:"workers" env:"GEOINGEST_WORKERS" env-default:"4"`
	MaxParts   int    `yaml:"max_parts" env:"GEOINGEST_MAX_PARTS" env-default:"64"`
	ReuseParts bool   `yaml:"reuse_parts" env:"GEOINGEST_REUSE_PARTS" env-default:"true"`
	KeepParts  bool   `yaml:"keep_parts" env:"GEOINGEST_KEEP_PARTS" env-default:"false"`
	Command    string `yaml:"command" env:"GEOINGEST_PART_COMMAND" env-description:"command run per part, {part} is replaced by its path"`
}

type Admission struct {
	Mode                       string        `yaml:"mode" env:"GEOINGEST_ADMISSION_MODE" env-default:"ticket" env-description:"ticket (FIFO) or semaphore"`
	MaxSlots                   int           `yaml:"max_slots" env:"GEOINGEST_MAX_SLOTS" env-default:"4"`
	AcquireTimeout             time.Duration `yaml:"acquire_timeout" env:"GEOINGEST_ACQUIRE_TIMEOUT" env-default:"10m"`
	PollInterval               time.Duration `yaml:"poll_interval" env:"GEOINGEST_ADMISSION_POLL_INTERVAL" env-default:"1s"`
	HealWindow                 time.Duration `yaml:"heal_window" env:"GEOINGEST_HEAL_WINDOW" env-default:"10m"`
	AggressiveHealWindow       time.Duration `yaml:"aggressive_heal_window" env:"GEOINGEST_AGGRESSIVE_HEAL_WINDOW" env-default:"1m"`
	AggressiveWaitingThreshold int64         `yaml:"aggressive_waiting_threshold" env:"GEOINGEST_AGGRESSIVE_WAITING_THRESHOLD" env-default:"10"`
	ContinueOnExternalFailure  bool          `yaml:"continue_on_external_failure" env:"GEOINGEST_CONTINUE_ON_EXTERNAL_FAILURE" env-default:"false"`
	ContinueOnFailureTimeout   time.Duration `yaml:"continue_on_failure_timeout" env:"GEOINGEST_CONTINUE_ON_FAILURE_TIMEOUT" env-default:"2m"`
	StatusURL                  string        `yaml:"status_url" env:"GEOINGEST_STATUS_URL" env-description:"advisory capacity endpoint, empty disables the check"`
	StatusCheckTimeout         time.Duration `yaml:"status_check_timeout" env:"GEOINGEST_STATUS_CHECK_TIMEOUT" env-default:"5s"`
	StatusCacheTTL             time.Duration `yaml:"status_cache_ttl" env:"GEOINGEST_STATUS_CACHE_TTL" env-default:"2s"`
	MaxStatusWait              time.Duration `yaml:"max_status_wait" env:"GEOINGEST_MAX_STATUS_WAIT" env-default:"30s"`
}

type Retry struct {
	MaxAttempts         int           `yaml:"max_attempts" env:"GEOINGEST_RETRY_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay           time.Duration `yaml:"base_delay" env:"GEOINGEST_RETRY_BASE_DELAY" env-default:"2s"`
	Multiplier          float64       `yaml:"multiplier" env:"GEOINGEST_RETRY_MULTIPLIER" env-default:"1.5"`
	MaxDelay            time.Duration `yaml:"max_delay" env:"GEOINGEST_RETRY_MAX_DELAY" env-default:"1m"`
	NetworkMaxAttempts  int           `yaml:"network_max_attempts" env:"GEOINGEST_NETWORK_MAX_ATTEMPTS" env-default:"5"`
	DatabaseMaxAttempts int           `yaml:"database_max_attempts" env:"GEOINGEST_DATABASE_MAX_ATTEMPTS" env-default:"3"`
}

type ChunkQueue struct {
	Workers          int           `yaml:"workers" env:"GEOINGEST_CHUNK_WORKERS" env-default:"4"`
	ChunkSize        int64         `yaml:"chunk_size" env:"GEOINGEST_CHUNK_SIZE" env-default:"100000"`
	SubBatchSize     int64         `yaml:"sub_batch_size" env:"GEOINGEST_SUB_BATCH_SIZE" env-default:"10000"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" env:"GEOINGEST_MONITOR_INTERVAL" env-default:"10s"`
	ReclaimAbandoned bool          `yaml:"reclaim_abandoned" env:"GEOINGEST_RECLAIM_ABANDONED" env-default:"false"`
	KeepRunDir       bool          `yaml:"keep_run_dir" env:"GEOINGEST_KEEP_RUN_DIR" env-default:"false"`
	// Processes runs workers as separate processes instead of goroutines.
	Processes bool `yaml:"processes" env:"GEOINGEST_CHUNK_PROCESSES" env-default:"false"`
}

type Database struct {
	DSN              string        `yaml:"dsn" env:"GEOINGEST_DB_DSN" env-description:"PostgreSQL connection string"`
	MaxConns         int32         `yaml:"max_conns" env:"GEOINGEST_DB_MAX_CONNS" env-default:"8"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"GEOINGEST_DB_CONNECT_TIMEOUT" env-default:"10s"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"GEOINGEST_DB_STATEMENT_TIMEOUT" env-default:"0s"`
	ApplicationName  string        `yaml:"application_name" env:"GEOINGEST_DB_APPLICATION_NAME" env-default:"geoingest"`
}

type HTTP struct {
	UserAgent       string        `yaml:"user_agent" env:"GEOINGEST_USER_AGENT" env-default:"geoingest/1.0"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host" env:"GEOINGEST_MAX_CONNS_PER_HOST" env-default:"4"`
	DownloadTimeout time.Duration `yaml:"download_timeout" env:"GEOINGEST_DOWNLOAD_TIMEOUT" env-default:"30m"`
	APIURL          string        `yaml:"api_url" env:"GEOINGEST_API_URL" env-default:"https://overpass-api.de/api/interpreter"`
	APITimeout      time.Duration `yaml:"api_timeout" env:"GEOINGEST_API_TIMEOUT" env-default:"5m"`
}

type Import struct {
	Tool      string `yaml:"tool" env:"GEOINGEST_IMPORT_TOOL" env-default:"ogr2ogr"`
	PGDSN     string `yaml:"pg_dsn" env:"GEOINGEST_IMPORT_PG_DSN" env-description:"OGR data source, e.g. PG:dbname=notes"`
	TargetSRS string `yaml:"target_srs" env:"GEOINGEST_IMPORT_TARGET_SRS" env-default:"EPSG:4326"`
	Overwrite bool   `yaml:"overwrite" env:"GEOINGEST_IMPORT_OVERWRITE" env-default:"false"`
}

// Load reads path, when given, and the environment, then validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, retry.Wrap(retry.KindContract, "config: read environment", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, retry.Wrap(retry.KindContract, "config: "+path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, retry.Wrap(retry.KindContract, "config: read "+path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises cfg and reports every invalid value at once.
func (c *Config) Validate() error {
	var merr *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			merr = multierror.Append(merr, fmt.Errorf(format, args...))
		}
	}

	c.ScratchDir = strings.TrimSpace(c.ScratchDir)
	check(c.ScratchDir != "", "scratch_dir is required")
	if c.ScratchDir != "" {
		if abs, err := filepath.Abs(c.ScratchDir); err == nil {
			c.ScratchDir = abs
		}
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	check(c.Logging.Format == logging.FormatText || c.Logging.Format == logging.FormatJSON,
		"logging.format must be %q or %q, got %q", logging.FormatText, logging.FormatJSON, c.Logging.Format)

	c.Admission.Mode = strings.ToLower(strings.TrimSpace(c.Admission.Mode))
	check(c.Admission.Mode == ModeTicket || c.Admission.Mode == ModeSemaphore,
		"admission.mode must be %q or %q, got %q", ModeTicket, ModeSemaphore, c.Admission.Mode)
	check(c.Admission.MaxSlots >= 1, "admission.max_slots must be >= 1, got %d", c.Admission.MaxSlots)

	_, err := partition.ParseAlgorithm(c.Partition.Algorithm)
	check(err == nil, "partition.algorithm: %v", err)
	check(c.Partition.MinRecordsPerPart <= c.Partition.MaxRecordsPerPart,
		"partition.min_records_per_part %d exceeds max_records_per_part %d",
		c.Partition.MinRecordsPerPart, c.Partition.MaxRecordsPerPart)

	check(c.Pipeline.Workers >= 1, "pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	check(c.ChunkQueue.Workers >= 1, "chunk_queue.workers must be >= 1, got %d", c.ChunkQueue.Workers)
	check(c.ChunkQueue.ChunkSize >= 1, "chunk_queue.chunk_size must be >= 1, got %d", c.ChunkQueue.ChunkSize)
	check(c.ChunkQueue.SubBatchSize >= 1, "chunk_queue.sub_batch_size must be >= 1, got %d", c.ChunkQueue.SubBatchSize)
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be >= 1, got %g", c.Retry.Multiplier)
	check(c.Countries.SRID > 0, "countries.srid must be positive, got %d", c.Countries.SRID)

	if err := merr.ErrorOrNil(); err != nil {
		return retry.Wrap(retry.KindContract, "config: invalid settings", err)
	}
	return nil
}

// ErrNoDatabase is returned when a database command runs without a DSN.
var ErrNoDatabase = errors.New("config: database.dsn (GEOINGEST_DB_DSN) is not set")

// Usage describes every environment variable.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return text
}

// YAML renders cfg for display.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Thresholds converts to the resource monitor's settings.
func (r Resources) Thresholds() resource.Thresholds {
	return resource.Thresholds{
		LoadCeiling:      r.LoadCeiling,
		BaseLaunchDelay:  r.BaseLaunchDelay,
		MaxLaunchDelay:   r.MaxLaunchDelay,
		MaxMemoryPercent: r.MaxMemoryPercent,
		PollInterval:     r.PollInterval,
	}
}

// Config converts to a partitioner config writing into dir.
func (p Partition) Config(dir, prefix string) partition.Config {
	cfg := partition.DefaultConfig(dir, prefix)
	if algo, err := partition.ParseAlgorithm(p.Algorithm); err == nil {
		cfg.Algorithm = algo
	}
	cfg.Policy = partition.Policy{
		MinRecordsPerPart: p.MinRecordsPerPart,
		MaxRecordsPerPart: p.MaxRecordsPerPart,
		PartsCeiling:      p.PartsCeiling,
	}
	cfg.PositionThreshold = p.PositionThreshold
	cfg.SinglePassThreshold = p.SinglePassThreshold
	cfg.CopyConcurrency = p.CopyConcurrency
	return cfg
}

// PartsDir is where the pipeline writes parts.
func (c *Config) PartsDir() string {
	return filepath.Join(c.ScratchDir, "parts")
}

// PipelineConfig assembles the pipeline runner settings.
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig(c.PartsDir())
	cfg.Workers = c.Pipeline.Workers
	cfg.MaxParts = c.Pipeline.MaxParts
	cfg.ResourceWait = c.Resources.MaxWait
	cfg.ReuseParts = c.Pipeline.ReuseParts
	cfg.KeepParts = c.Pipeline.KeepParts
	cfg.Partition = c.Partition.Config(c.PartsDir(), "")
	cfg.Policy = c.Retry.Generic()
	return cfg
}

// Config converts to the admission queue settings rooted at scratch.
func (a Admission) Config(scratch string) admission.Config {
	cfg := admission.DefaultConfig(scratch)
	cfg.MaxSlots = a.MaxSlots
	cfg.AcquireTimeout = a.AcquireTimeout
	cfg.PollInterval = a.PollInterval
	cfg.HealWindow = a.HealWindow
	cfg.AggressiveHealWindow = a.AggressiveHealWindow
	cfg.AggressiveWaitingThreshold = a.AggressiveWaitingThreshold
	cfg.ContinueOnExternalFailure = a.ContinueOnExternalFailure
	cfg.ContinueOnFailureTimeout = a.ContinueOnFailureTimeout
	cfg.StatusCheckTimeout = a.StatusCheckTimeout
	cfg.MaxStatusWait = a.MaxStatusWait
	return cfg
}

// Queue opens the configured admission queue.
func (c *Config) Queue(opts ...admission.Option) (admission.Queue, error) {
	qcfg := c.Admission.Config(c.ScratchDir)
	if c.Admission.Mode == ModeSemaphore {
		return admission.NewSemaphore(qcfg, opts...)
	}
	if c.Admission.StatusURL != "" {
		opts = append(opts, admission.WithStatusChecker(admission.NewStatusClient(admission.StatusClientConfig{
			URL:       c.Admission.StatusURL,
			UserAgent: c.HTTP.UserAgent,
			CacheTTL:  c.Admission.StatusCacheTTL,
		})))
	}
	return admission.NewTicketQueue(qcfg, opts...)
}

func (r Retry) policy(base retry.Policy, attempts int) retry.Policy {
	base.MaxAttempts = attempts
	return base
}

// Generic is the policy for shell and file operations.
func (r Retry) Generic() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
	}
}

// Network is the policy for downloads and API queries.
func (r Retry) Network() retry.Policy {
	return r.policy(retry.NetworkPolicy(), r.NetworkMaxAttempts)
}

// Database is the policy for SQL statements.
func (r Retry) Database() retry.Policy {
	return r.policy(retry.DatabasePolicy(), r.DatabaseMaxAttempts)
}

// DatabaseConfig converts to the database client settings.
func (c *Config) DatabaseConfig() (database.Config, error) {
	if c.Database.DSN == "" {
		return database.Config{}, retry.Wrap(retry.KindContract, "config", ErrNoDatabase)
	}
	cfg := database.DefaultConfig(c.Database.DSN)
	cfg.MaxConns = c.Database.MaxConns
	cfg.ConnectTimeout = c.Database.ConnectTimeout
	cfg.StatementTimeout = c.Database.StatementTimeout
	cfg.ApplicationName = c.Database.ApplicationName
	cfg.Retry = c.Retry.Database()
	return cfg, nil
}

// Config converts to the chunk runner settings.
func (q ChunkQueue) Config(scratch string) chunkqueue.Config {
	return chunkqueue.Config{
		ScratchDir:       scratch,
		Workers:          q.Workers,
		ChunkSize:        q.ChunkSize,
		SubBatchSize:     q.SubBatchSize,
		MonitorInterval:  q.MonitorInterval,
		ReclaimAbandoned: q.ReclaimAbandoned,
		KeepRunDir:       q.KeepRunDir,
	}
}

// ImportConfig converts to the geometry importer settings. The import data source defaults to the
// database DSN.
func (c *Config) ImportConfig() geoimport.Config {
	dsn := c.Import.PGDSN
	if dsn == "" && c.Database.DSN != "" {
		dsn = "PG:" + c.Database.DSN
	}
	return geoimport.Config{
		Tool:      c.Import.Tool,
		PGDSN:     dsn,
		TargetSRS: c.Import.TargetSRS,
		Overwrite: c.Import.Overwrite,
	}
}
