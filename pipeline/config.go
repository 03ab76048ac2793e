package pipeline

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/spf13/viper"
)

// Config is the run configuration, normally unmarshalled from a YAML file.
// Zero values take the defaults from DefaultConfig where one exists;
// Validate enforces the rest.
type Config struct {
	// Workdir is the run-scoped working area holding the queue, per-sample
	// directories, logs, and results.
	Workdir string `mapstructure:"workdir"`
	// QueueSize bounds how many samples are admitted concurrently.
	QueueSize int `mapstructure:"queue_size"`

	// Samplesheet lists local samples, one "id<TAB>path[::path...]" line
	// each. Runlist lists remote run accessions, one per line; Resolver is
	// the metadata command that groups them into samples.
	Samplesheet string   `mapstructure:"samplesheet"`
	Runlist     string   `mapstructure:"runlist"`
	Skiplist    string   `mapstructure:"skiplist"`
	Resolver    []string `mapstructure:"resolver"`

	// Threads is passed to the multithreaded stages.
	Threads int `mapstructure:"threads"`
	// GTF is the annotation used by featureCounts on the hisat2 branch.
	GTF string `mapstructure:"gtf"`
	// ValidateSpots caps how many FASTQ records the post-merge validation
	// reads; <= 0 disables validation.
	ValidateSpots int `mapstructure:"validate_spots"`
	// RescanInterval is the admitted-directory rescan period.
	RescanInterval time.Duration `mapstructure:"rescan_interval"`

	Hisat2   ToolConfig `mapstructure:"hisat2"`
	Kallisto ToolConfig `mapstructure:"kallisto"`
	Salmon   ToolConfig `mapstructure:"salmon"`

	// Publish marks artifact classes to keep on disk instead of
	// reclaiming: "reads", "sam", "sortedbam".
	Publish map[string]bool `mapstructure:"publish"`

	Output OutputConfig `mapstructure:"output"`
	Engine EngineConfig `mapstructure:"engine"`
	Stall  StallConfig  `mapstructure:"stall"`
	Post   PostConfig   `mapstructure:"postprocess"`
}

// ToolConfig configures one quantification branch.
type ToolConfig struct {
	Enable bool   `mapstructure:"enable"`
	Index  string `mapstructure:"index"`
	// Extra is appended verbatim to the tool's argv.
	Extra []string `mapstructure:"extra"`
}

// OutputConfig shapes the aggregate outputs.
type OutputConfig struct {
	// Dir overrides where results are assembled; "" means
	// <workdir>/results.
	Dir string `mapstructure:"dir"`
	// Formats the matrix assembler should emit. At least one is required.
	Formats []string `mapstructure:"formats"`
}

// EngineConfig bounds the local execution engine.
type EngineConfig struct {
	Parallelism int `mapstructure:"parallelism"`
	Retries     int `mapstructure:"retries"`
}

// StallConfig tunes the completion watchdog. Warn is when a pending
// artifact is logged; Fail, if set, is when a stall aborts the run.
type StallConfig struct {
	Warn time.Duration `mapstructure:"warn"`
	Fail time.Duration `mapstructure:"fail"`
}

// PostConfig names the aggregate post-processing commands. The matrix
// command receives the results directory and the comma-joined format list
// as trailing arguments; the report command receives the results directory.
type PostConfig struct {
	Matrix []string `mapstructure:"matrix"`
	Report []string `mapstructure:"report"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:      2,
		Threads:        runtime.NumCPU(),
		ValidateSpots:  100,
		RescanInterval: 5 * time.Second,
		Engine:         EngineConfig{Retries: 1},
		Stall:          StallConfig{Warn: 30 * time.Minute},
	}
}

// LoadConfig reads the YAML config at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.E(err, "read config "+path)
	}
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.E(err, "parse config "+path)
	}
	return cfg, nil
}

// Tool returns the single enabled quantification tool. Zero or more than
// one enabled tool is a configuration error.
func (c *Config) Tool() (Tool, error) {
	var enabled []Tool
	for _, t := range []Tool{Hisat2, Kallisto, Salmon} {
		if c.Branch(t).Enable {
			enabled = append(enabled, t)
		}
	}
	switch len(enabled) {
	case 1:
		return enabled[0], nil
	case 0:
		return toolInvalid, fmt.Errorf("config: no quantification tool enabled, enable exactly one of hisat2, kallisto, salmon")
	default:
		names := make([]string, len(enabled))
		for i, t := range enabled {
			names[i] = t.String()
		}
		return toolInvalid, fmt.Errorf("config: %d quantification tools enabled (%s), want exactly one",
			len(enabled), strings.Join(names, ", "))
	}
}

// Branch returns the configuration of one tool.
func (c *Config) Branch(t Tool) ToolConfig {
	switch t {
	case Hisat2:
		return c.Hisat2
	case Kallisto:
		return c.Kallisto
	case Salmon:
		return c.Salmon
	}
	log.Panicf("config: unknown tool %d", t)
	return ToolConfig{}
}

// Validate checks the configuration before any sample is admitted. Every
// failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Workdir == "" {
		return fmt.Errorf("config: workdir is required")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	tool, err := c.Tool()
	if err != nil {
		return err
	}
	if c.Branch(tool).Index == "" {
		return fmt.Errorf("config: %s.index is required", tool)
	}
	if tool == Hisat2 && c.GTF == "" {
		return fmt.Errorf("config: gtf is required for featureCounts on the hisat2 branch")
	}
	if len(c.Output.Formats) == 0 {
		return fmt.Errorf("config: no output format selected")
	}
	if c.Samplesheet == "" && c.Runlist == "" {
		return fmt.Errorf("config: no sample source, set samplesheet and/or runlist")
	}
	if c.Runlist != "" && len(c.Resolver) == 0 {
		return fmt.Errorf("config: runlist requires a resolver command")
	}
	return nil
}
