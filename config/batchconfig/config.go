// Package batchconfig reads the gpubatch configuration file and converts its sections into
// the configs of the packages they drive.
package batchconfig

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gpubatch/gpubatch/runner/execer/remote"
	"github.com/gpubatch/gpubatch/runner/runners"
	"github.com/gpubatch/gpubatch/scheduler/planner"
	"github.com/gpubatch/gpubatch/scheduler/server"
)

// Store types
const (
	MemoryStore = "memory"
	SQLiteStore = "sqlite"
)

// Log sink types
const (
	LogrusSink = "logrus"
	HTTPSink   = "http"
)

// Backend types
const (
	SSHBackend = "ssh"
	SimBackend = "sim"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Planner   PlannerConfig   `yaml:"planner"`
	Execution ExecutionConfig `yaml:"execution"`
	Remote    RemoteConfig    `yaml:"remote"`
	Store     StoreConfig     `yaml:"store"`
	LogSink   LogSinkConfig   `yaml:"log_sink"`
}

type SchedulerConfig struct {
	MaxRetries int  `yaml:"max_retries"`
	AutoRetry  bool `yaml:"auto_retry"`
	// Default for plans analyzed by the CLI; --allow_mixed overrides it.
	AllowMixed bool `yaml:"allow_mixed"`
}

type PlannerConfig struct {
	SizeTable     []int         `yaml:"size_table"`
	WeightQuantum float64       `yaml:"weight_quantum"`
	Speedup       SpeedupConfig `yaml:"speedup"`
}

type SpeedupConfig struct {
	Setup       string  `yaml:"setup"`
	PerModality string  `yaml:"per_modality"`
	PerJob      string  `yaml:"per_job"`
	Exponent    float64 `yaml:"exponent"`
	Ceiling     float64 `yaml:"ceiling"`
}

type ExecutionConfig struct {
	Slots      int            `yaml:"slots"`
	RunTimeout string         `yaml:"run_timeout"`
	Transfer   TransferConfig `yaml:"transfer"`
	LogBuffer  int            `yaml:"log_buffer"`
	// Empty collects into a temp dir.
	OutputDir string `yaml:"output_dir"`
}

type TransferConfig struct {
	MaxRetries      int    `yaml:"max_retries"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

type RemoteConfig struct {
	// ssh, or sim for the in-process simulated backend.
	Type string `yaml:"type"`
	// Empty runs on this host.
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	SSHOptions string `yaml:"ssh_options"`
	AbortGrace string `yaml:"abort_grace"`
	Workdir    string `yaml:"workdir"`
	// Shell syntax, see runners.Config.CommandTemplate for placeholders.
	CommandTemplate string `yaml:"command_template"`
}

type StoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type LogSinkConfig struct {
	Type  string `yaml:"type"`
	URL   string `yaml:"url"`
	Rate  int    `yaml:"rate"`
	Burst int    `yaml:"burst"`
	Tries int    `yaml:"tries"`
}

func DefaultConfig() Config {
	sp := planner.DefaultSpeedupModel()
	ex := runners.DefaultConfig()
	return Config{
		Scheduler: SchedulerConfig{MaxRetries: server.DefaultMaxRetries},
		Planner: PlannerConfig{
			SizeTable:     append([]int(nil), planner.DefaultSizeTable...),
			WeightQuantum: planner.DefaultWeightQuantum,
			Speedup: SpeedupConfig{
				Setup:       sp.Setup.String(),
				PerModality: sp.PerModality.String(),
				PerJob:      sp.PerJob.String(),
				Exponent:    sp.Exponent,
				Ceiling:     sp.Ceiling,
			},
		},
		Execution: ExecutionConfig{
			Slots:      ex.Slots,
			RunTimeout: ex.RunTimeout.String(),
			Transfer: TransferConfig{
				MaxRetries:      ex.Transfer.MaxRetries,
				InitialInterval: ex.Transfer.InitialInterval.String(),
				MaxInterval:     ex.Transfer.MaxInterval.String(),
			},
			LogBuffer: ex.LogBuffer,
		},
		Remote: RemoteConfig{
			Type:            SSHBackend,
			AbortGrace:      remote.DefaultAbortGrace.String(),
			Workdir:         ex.RemoteWorkdir,
			CommandTemplate: "generate --manifest {manifest}",
		},
		Store:   StoreConfig{Type: MemoryStore},
		LogSink: LogSinkConfig{Type: LogrusSink, Rate: 50, Burst: 100, Tries: runners.DefaultHTTPSinkTries},
	}
}

// Load reads the YAML file at path over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if cfg, err = Parse(data); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	log.Infof("Loaded config from %s", path)
	return cfg, nil
}

// Parse decodes data over DefaultConfig and validates the result. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// A document of only comments decodes as EOF.
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, errors.Wrap(err, "parsing yaml")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section by building the package configs from it.
func (c Config) Validate() error {
	if _, err := c.PlannerConfig(); err != nil {
		return err
	}
	if _, err := c.RunnerConfig(); err != nil {
		return err
	}
	if _, err := c.RemoteExecConfig(); err != nil {
		return err
	}
	if c.Scheduler.MaxRetries < 0 {
		return errors.Errorf("scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries)
	}
	switch c.Remote.Type {
	case SSHBackend, SimBackend:
	default:
		return errors.Errorf("unknown remote.type %q", c.Remote.Type)
	}
	switch c.Store.Type {
	case MemoryStore:
	case SQLiteStore:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite store")
		}
	default:
		return errors.Errorf("unknown store.type %q", c.Store.Type)
	}
	switch c.LogSink.Type {
	case LogrusSink:
	case HTTPSink:
		if c.LogSink.URL == "" {
			return errors.New("log_sink.url is required for the http sink")
		}
		if c.LogSink.Rate <= 0 || c.LogSink.Burst <= 0 {
			return errors.New("log_sink.rate and log_sink.burst must be positive")
		}
	default:
		return errors.Errorf("unknown log_sink.type %q", c.LogSink.Type)
	}
	return nil
}

func (c Config) SchedulerConfig() server.Config {
	return server.Config{MaxRetries: c.Scheduler.MaxRetries, AutoRetry: c.Scheduler.AutoRetry}
}

func (c Config) PlannerConfig() (planner.Config, error) {
	sp := c.Planner.Speedup
	var model planner.SpeedupModel
	var err error
	if model.Setup, err = parseDuration("planner.speedup.setup", sp.Setup); err != nil {
		return planner.Config{}, err
	}
	if model.PerModality, err = parseDuration("planner.speedup.per_modality", sp.PerModality); err != nil {
		return planner.Config{}, err
	}
	if model.PerJob, err = parseDuration("planner.speedup.per_job", sp.PerJob); err != nil {
		return planner.Config{}, err
	}
	model.Exponent = sp.Exponent
	model.Ceiling = sp.Ceiling
	pc := planner.Config{
		SizeTable:     append([]int(nil), c.Planner.SizeTable...),
		WeightQuantum: c.Planner.WeightQuantum,
		Speedup:       model,
	}
	if err := pc.Validate(); err != nil {
		return planner.Config{}, errors.Wrap(err, "planner")
	}
	return pc, nil
}

func (c Config) RunnerConfig() (runners.Config, error) {
	ex := c.Execution
	rc := runners.Config{
		Slots:         ex.Slots,
		LogBuffer:     ex.LogBuffer,
		RemoteWorkdir: c.Remote.Workdir,
		OutputDir:     ex.OutputDir,
	}
	var err error
	if rc.RunTimeout, err = parseDuration("execution.run_timeout", ex.RunTimeout); err != nil {
		return runners.Config{}, err
	}
	rc.Transfer.MaxRetries = ex.Transfer.MaxRetries
	if rc.Transfer.InitialInterval, err = parseDuration("execution.transfer.initial_interval", ex.Transfer.InitialInterval); err != nil {
		return runners.Config{}, err
	}
	if rc.Transfer.MaxInterval, err = parseDuration("execution.transfer.max_interval", ex.Transfer.MaxInterval); err != nil {
		return runners.Config{}, err
	}
	if rc.CommandTemplate, err = remote.ParseTemplate(c.Remote.CommandTemplate); err != nil {
		return runners.Config{}, errors.Wrap(err, "remote.command_template")
	}
	if err := rc.Validate(); err != nil {
		return runners.Config{}, errors.Wrap(err, "execution")
	}
	return rc, nil
}

func (c Config) RemoteExecConfig() (remote.Config, error) {
	grace, err := parseDuration("remote.abort_grace", c.Remote.AbortGrace)
	if err != nil {
		return remote.Config{}, err
	}
	return remote.Config{
		Host:       c.Remote.Host,
		User:       c.Remote.User,
		SSHOptions: c.Remote.SSHOptions,
		AbortGrace: grace,
	}, nil
}

// parseDuration treats the empty string as zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative, got %s", field, s)
	}
	return d, nil
}
