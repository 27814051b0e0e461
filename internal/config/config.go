// Package config handles coordinator configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratfed/coordinator/internal/federation"
	"github.com/stratfed/coordinator/internal/learner"
)

// Config holds the coordinator configuration
type Config struct {
	// Environment (development, production)
	Environment string `yaml:"environment"`

	// RunName names the artifacts written at the end of a run
	RunName string `yaml:"run_name"`

	// HTTP server address
	HTTPAddr string `yaml:"http_addr"`

	// ExitOnComplete stops the process once all rounds have run
	ExitOnComplete bool `yaml:"exit_on_complete"`

	GRPC            GRPCConfig            `yaml:"grpc"`
	Worker          WorkerConfig          `yaml:"worker"`
	Training        TrainingConfig        `yaml:"training"`
	Sampling        SamplingConfig        `yaml:"sampling"`
	Privacy         PrivacyConfig         `yaml:"privacy"`
	Data            DataConfig            `yaml:"data"`
	Database        DatabaseConfig        `yaml:"database"`
	ArtifactStorage ArtifactStorageConfig `yaml:"artifact_storage"`
}

// TrainingConfig holds the round loop settings
type TrainingConfig struct {
	Mode         string  `yaml:"mode"`
	Rounds       int     `yaml:"rounds"`
	LocalSteps   int     `yaml:"local_steps"`
	NSampled     int     `yaml:"n_sampled"`
	LearningRate float64 `yaml:"learning_rate"`
	Decay        float64 `yaml:"decay"`
	Mu           float64 `yaml:"mu"`
	Parallelism  int     `yaml:"parallelism"`
	// Trainer: local runs client updates in process, remote hands them to workers
	Trainer string `yaml:"trainer"`
	// RemoteTaskTimeout bounds one remote client update
	RemoteTaskTimeout time.Duration `yaml:"remote_task_timeout"`
}

// GRPCConfig holds the training service settings
type GRPCConfig struct {
	Addr        string `yaml:"addr"`
	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
	// Requests per minute per worker
	RateLimitPerWorker int           `yaml:"rate_limit_per_worker"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
}

// WorkerConfig holds the remote worker settings
type WorkerConfig struct {
	CoordinatorAddr string `yaml:"coordinator_addr"`
	ID              string `yaml:"id"`
	// Clients lists the client ids served, e.g. "0-9,12"; empty serves all
	Clients string `yaml:"clients"`
}

// SamplingConfig holds stratification and weighting settings
type SamplingConfig struct {
	Strata         int     `yaml:"strata"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	CompressionDim int     `yaml:"compression_dim"`
	Allocation     bool    `yaml:"allocation"`
	Partition      string  `yaml:"partition"`
	// StratifierSeed makes stratified modes reproducible; nil leaves them unseeded
	StratifierSeed *uint64 `yaml:"stratifier_seed"`
	// WeightingScheme overrides the per-mode default when set
	WeightingScheme      string  `yaml:"weighting_scheme"`
	DesiredLocalSamples  float64 `yaml:"desired_local_samples"`
	DesiredLocalFraction float64 `yaml:"desired_local_fraction"`
}

// PrivacyConfig holds the population estimator settings
type PrivacyConfig struct {
	Epsilon float64 `yaml:"epsilon"`
	// Alpha, when positive, is used instead of the value derived from Epsilon
	Alpha       float64 `yaml:"alpha"`
	MaxResponse int     `yaml:"max_response"`
	// NormNoiseEpsilon enables Laplace noise on reported gradient norms
	NormNoiseEpsilon float64 `yaml:"norm_noise_epsilon"`
	NormBound        float64 `yaml:"norm_bound"`
}

// DataConfig describes the synthetic federation
type DataConfig struct {
	Clients          int     `yaml:"clients"`
	RecordsPerClient int     `yaml:"records_per_client"`
	Features         int     `yaml:"features"`
	Classes          int     `yaml:"classes"`
	DirichletAlpha   float64 `yaml:"dirichlet_alpha"`
	TestFraction     float64 `yaml:"test_fraction"`
	BatchSize        int     `yaml:"batch_size"`
	Seed             uint64  `yaml:"seed"`
}

// DatabaseConfig holds round history database configuration
type DatabaseConfig struct {
	// Driver: postgres, sqlite, none
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ArtifactStorageConfig holds run artifact storage configuration
type ArtifactStorageConfig struct {
	// Backend type: local, s3, minio
	Backend string `yaml:"backend"`
	// Local storage path
	LocalPath string `yaml:"local_path"`
	// S3/MinIO endpoint (for MinIO or custom S3-compatible storage)
	Endpoint string `yaml:"endpoint"`
	// S3 region
	Region string `yaml:"region"`
	// S3 bucket name
	Bucket string `yaml:"bucket"`
	// Access key ID for S3/MinIO
	AccessKeyID string `yaml:"access_key_id"`
	// Secret access key for S3/MinIO
	SecretAccessKey string `yaml:"secret_access_key"`
	// Use SSL for S3/MinIO connection
	UseSSL bool `yaml:"use_ssl"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	data := learner.DefaultSyntheticConfig()
	return &Config{
		Environment: "development",
		RunName:     "run",
		HTTPAddr:    ":8080",
		GRPC: GRPCConfig{
			Addr:               ":9090",
			RateLimitPerWorker: 600,
			PollTimeout:        30 * time.Second,
		},
		Worker: WorkerConfig{
			CoordinatorAddr: "localhost:9090",
		},
		Training: TrainingConfig{
			Mode:         string(federation.ModeStratified),
			Rounds:       50,
			LocalSteps:   5,
			NSampled:     10,
			LearningRate: 0.05,
			Decay:        1,
			Mu:           0,
			Parallelism:  1,

			Trainer:           TrainerLocal,
			RemoteTaskTimeout: 5 * time.Minute,
		},
		Sampling: SamplingConfig{
			Strata:               5,
			SampleRatio:          0.1,
			CompressionDim:       16,
			Allocation:           true,
			Partition:            string(federation.PartitionDirichlet),
			DesiredLocalSamples:  2048,
			DesiredLocalFraction: 0.5,
		},
		Privacy: PrivacyConfig{
			Epsilon:     1,
			MaxResponse: 500,
			NormBound:   10,
		},
		Data: DataConfig{
			Clients:          data.Clients,
			RecordsPerClient: data.RecordsPerClient,
			Features:         data.Features,
			Classes:          data.Classes,
			DirichletAlpha:   data.DirichletAlpha,
			TestFraction:     data.TestFraction,
			BatchSize:        data.BatchSize,
			Seed:             data.Seed,
		},
		Database: DatabaseConfig{
			Driver:          "none",
			URL:             "postgres://localhost:5432/coordinator?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		ArtifactStorage: ArtifactStorageConfig{
			Backend:   "local",
			LocalPath: "/var/lib/coordinator/runs",
			Region:    "us-east-1",
			Bucket:    "coordinator-runs",
			UseSSL:    true,
		},
	}
}

// Load reads configuration from an optional YAML file named by FL_CONFIG_FILE
// and then from environment variables. Environment variables win
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.RunName = getEnv("RUN_NAME", cfg.RunName)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ExitOnComplete = getEnvBool("EXIT_ON_COMPLETE", cfg.ExitOnComplete)

	g := &cfg.GRPC
	g.Addr = getEnv("GRPC_ADDR", g.Addr)
	g.TLSEnabled = getEnvBool("TLS_ENABLED", g.TLSEnabled)
	g.TLSCertFile = getEnv("TLS_CERT_FILE", g.TLSCertFile)
	g.TLSKeyFile = getEnv("TLS_KEY_FILE", g.TLSKeyFile)
	g.TLSCAFile = getEnv("TLS_CA_FILE", g.TLSCAFile)
	g.RateLimitPerWorker = getEnvInt("RATE_LIMIT_PER_WORKER", g.RateLimitPerWorker)
	g.PollTimeout = getEnvDuration("GRPC_POLL_TIMEOUT", g.PollTimeout)

	w := &cfg.Worker
	w.CoordinatorAddr = getEnv("WORKER_COORDINATOR_ADDR", w.CoordinatorAddr)
	w.ID = getEnv("WORKER_ID", w.ID)
	w.Clients = getEnv("WORKER_CLIENTS", w.Clients)

	t := &cfg.Training
	t.Mode = getEnv("FL_MODE", t.Mode)
	t.Rounds = getEnvInt("FL_ROUNDS", t.Rounds)
	t.LocalSteps = getEnvInt("FL_LOCAL_STEPS", t.LocalSteps)
	t.NSampled = getEnvInt("FL_N_SAMPLED", t.NSampled)
	t.LearningRate = getEnvFloat("FL_LEARNING_RATE", t.LearningRate)
	t.Decay = getEnvFloat("FL_DECAY", t.Decay)
	t.Mu = getEnvFloat("FL_MU", t.Mu)
	t.Parallelism = getEnvInt("FL_PARALLELISM", t.Parallelism)
	t.Trainer = getEnv("FL_TRAINER", t.Trainer)
	t.RemoteTaskTimeout = getEnvDuration("FL_REMOTE_TASK_TIMEOUT", t.RemoteTaskTimeout)

	s := &cfg.Sampling
	s.Strata = getEnvInt("FL_STRATA", s.Strata)
	s.SampleRatio = getEnvFloat("FL_SAMPLE_RATIO", s.SampleRatio)
	s.CompressionDim = getEnvInt("FL_COMPRESSION_DIM", s.CompressionDim)
	s.Allocation = getEnvBool("FL_ALLOCATION", s.Allocation)
	s.Partition = getEnv("FL_PARTITION", s.Partition)
	s.StratifierSeed = getEnvUint64Ptr("FL_STRATIFIER_SEED", s.StratifierSeed)
	s.WeightingScheme = getEnv("FL_WEIGHTING_SCHEME", s.WeightingScheme)
	s.DesiredLocalSamples = getEnvFloat("FL_DESIRED_LOCAL_SAMPLES", s.DesiredLocalSamples)
	s.DesiredLocalFraction = getEnvFloat("FL_DESIRED_LOCAL_FRACTION", s.DesiredLocalFraction)

	p := &cfg.Privacy
	p.Epsilon = getEnvFloat("FL_EPSILON", p.Epsilon)
	p.Alpha = getEnvFloat("FL_ALPHA", p.Alpha)
	p.MaxResponse = getEnvInt("FL_MAX_RESPONSE", p.MaxResponse)
	p.NormNoiseEpsilon = getEnvFloat("FL_NORM_NOISE_EPSILON", p.NormNoiseEpsilon)
	p.NormBound = getEnvFloat("FL_NORM_BOUND", p.NormBound)

	d := &cfg.Data
	d.Clients = getEnvInt("FL_CLIENTS", d.Clients)
	d.RecordsPerClient = getEnvInt("FL_RECORDS_PER_CLIENT", d.RecordsPerClient)
	d.Features = getEnvInt("FL_FEATURES", d.Features)
	d.Classes = getEnvInt("FL_CLASSES", d.Classes)
	d.DirichletAlpha = getEnvFloat("FL_DIRICHLET_ALPHA", d.DirichletAlpha)
	d.TestFraction = getEnvFloat("FL_TEST_FRACTION", d.TestFraction)
	d.BatchSize = getEnvInt("FL_BATCH_SIZE", d.BatchSize)
	if seed := getEnvUint64Ptr("FL_DATA_SEED", nil); seed != nil {
		d.Seed = *seed
	}

	db := &cfg.Database
	db.Driver = getEnv("DATABASE_DRIVER", db.Driver)
	db.URL = getEnv("DATABASE_URL", db.URL)
	db.MaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", db.MaxOpenConns)
	db.MaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", db.MaxIdleConns)
	db.ConnMaxLifetime = getEnvDuration("DATABASE_CONN_MAX_LIFETIME", db.ConnMaxLifetime)
	db.ConnMaxIdleTime = getEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", db.ConnMaxIdleTime)

	a := &cfg.ArtifactStorage
	a.Backend = getEnv("ARTIFACT_STORAGE_BACKEND", a.Backend)
	a.LocalPath = getEnv("ARTIFACT_STORAGE_LOCAL_PATH", a.LocalPath)
	a.Endpoint = getEnv("ARTIFACT_STORAGE_ENDPOINT", a.Endpoint)
	a.Region = getEnv("ARTIFACT_STORAGE_REGION", a.Region)
	a.Bucket = getEnv("ARTIFACT_STORAGE_BUCKET", a.Bucket)
	a.AccessKeyID = getEnv("ARTIFACT_STORAGE_ACCESS_KEY_ID", a.AccessKeyID)
	a.SecretAccessKey = getEnv("ARTIFACT_STORAGE_SECRET_ACCESS_KEY", a.SecretAccessKey)
	a.UseSSL = getEnvBool("ARTIFACT_STORAGE_USE_SSL", a.UseSSL)

	return cfg, nil
}

// Trainer kinds
const (
	TrainerLocal  = "local"
	TrainerRemote = "remote"
)

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error

	if err := c.Federation().Validate(c.Data.Clients); err != nil {
		errs = append(errs, err)
	}

	mode := federation.Mode(c.Training.Mode)
	if mode.Private() && c.Privacy.Alpha <= 0 && c.Privacy.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("epsilon must be positive for %s mode, got %v", mode, c.Privacy.Epsilon))
	}
	if c.Privacy.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha must be at most 1, got %v", c.Privacy.Alpha))
	}
	if c.Privacy.NormNoiseEpsilon < 0 {
		errs = append(errs, fmt.Errorf("norm noise epsilon must be non-negative, got %v", c.Privacy.NormNoiseEpsilon))
	}
	if c.Privacy.NormNoiseEpsilon > 0 && c.Privacy.NormBound <= 0 {
		errs = append(errs, fmt.Errorf("norm bound must be positive when norm noise is enabled, got %v", c.Privacy.NormBound))
	}

	switch c.Training.Trainer {
	case TrainerLocal, TrainerRemote:
	default:
		errs = append(errs, fmt.Errorf("unknown trainer: %q", c.Training.Trainer))
	}
	if c.Training.Trainer == TrainerRemote && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc address is required for the remote trainer"))
	}
	if c.GRPC.TLSEnabled && (c.GRPC.TLSCertFile == "" || c.GRPC.TLSKeyFile == "" || c.GRPC.TLSCAFile == "") {
		errs = append(errs, errors.New("tls cert, key and CA files are required when tls is enabled"))
	}
	if _, err := c.WorkerClients(); err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite", "none", "":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver: %q", c.Database.Driver))
	}
	switch c.ArtifactStorage.Backend {
	case "local", "s3", "minio":
	default:
		errs = append(errs, fmt.Errorf("unknown artifact storage backend: %q", c.ArtifactStorage.Backend))
	}
	if c.RunName == "" {
		errs = append(errs, errors.New("run name must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", federation.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Federation returns the round loop configuration
func (c *Config) Federation() federation.Config {
	return federation.Config{
		Mode:                 federation.Mode(c.Training.Mode),
		Rounds:               c.Training.Rounds,
		LocalSteps:           c.Training.LocalSteps,
		NSampled:             c.Training.NSampled,
		LearningRate:         c.Training.LearningRate,
		Decay:                c.Training.Decay,
		Mu:                   c.Training.Mu,
		Scheme:               federation.WeightingScheme(c.Sampling.WeightingScheme),
		Strata:               c.Sampling.Strata,
		SampleRatio:          c.Sampling.SampleRatio,
		CompressionDim:       c.Sampling.CompressionDim,
		AllocationEnabled:    c.Sampling.Allocation,
		Partition:            federation.Partition(c.Sampling.Partition),
		MaxResponse:          c.Privacy.MaxResponse,
		DesiredLocalSamples:  c.Sampling.DesiredLocalSamples,
		DesiredLocalFraction: c.Sampling.DesiredLocalFraction,
		Parallelism:          c.Training.Parallelism,
	}
}

// WorkerClients parses Worker.Clients. An empty list means every client of
// the federation
func (c *Config) WorkerClients() ([]int, error) {
	spec := strings.TrimSpace(c.Worker.Clients)
	if spec == "" {
		out := make([]int, c.Data.Clients)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid worker client %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid worker client range %q: %w", part, err)
			}
		}
		if first < 0 || last < first || last >= c.Data.Clients {
			return nil, fmt.Errorf("worker clients %q out of range [0, %d)", part, c.Data.Clients)
		}
		for k := first; k <= last; k++ {
			seen[k] = true
		}
	}

	out := make([]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Ints(out)
	return out, nil
}

// PrivacyAlpha is the truthful-response probability of the estimator
func (c *Config) PrivacyAlpha() float64 {
	if c.Privacy.Alpha > 0 {
		return c.Privacy.Alpha
	}
	return federation.AlphaFromEpsilon(c.Privacy.Epsilon, c.Privacy.MaxResponse)
}

// Synthetic returns the synthetic federation settings
func (c *Config) Synthetic() learner.SyntheticConfig {
	out := learner.DefaultSyntheticConfig()
	out.Clients = c.Data.Clients
	out.RecordsPerClient = c.Data.RecordsPerClient
	out.Features = c.Data.Features
	out.Classes = c.Data.Classes
	out.Partition = federation.Partition(c.Sampling.Partition)
	out.DirichletAlpha = c.Data.DirichletAlpha
	out.TestFraction = c.Data.TestFraction
	out.BatchSize = c.Data.BatchSize
	out.Seed = c.Data.Seed
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvUint64Ptr(key string, defaultValue *uint64) *uint64 {
	if value := os.Getenv(key); value != "" {
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return &u
		}
	}
	return defaultValue
}
