package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override resolved
// settings, e.g. LECRUNCH_INSTRUMENT_ADDRESS.
const EnvPrefix = "LECRUNCH"

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

type DefinitionsConfig struct {
	Instruments []InstrumentDefinition `mapstructure:"instruments" yaml:"instruments"`
	Stages      []StageDefinition      `mapstructure:"stages" yaml:"stages"`
}

type InstrumentDefinition struct {
	ID              string        `mapstructure:"id" yaml:"id"`
	Address         string        `mapstructure:"address" yaml:"address"`
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TriggerTimeout  time.Duration `mapstructure:"trigger_timeout" yaml:"trigger_timeout"`
	SuppressDisplay bool          `mapstructure:"suppress_display" yaml:"suppress_display"`
}

type StageDefinition struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Port     string        `mapstructure:"port" yaml:"port"`
	BaudRate int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
}

type InstrumentReference struct {
	Ref             string         `mapstructure:"ref" yaml:"ref"`
	Timeout         *time.Duration `mapstructure:"timeout,omitempty" yaml:"timeout,omitempty"`
	TriggerTimeout  *time.Duration `mapstructure:"trigger_timeout,omitempty" yaml:"trigger_timeout,omitempty"`
	SuppressDisplay *bool          `mapstructure:"suppress_display,omitempty" yaml:"suppress_display,omitempty"`
}

type StageReference struct {
	Ref      string         `mapstructure:"ref" yaml:"ref"`
	Timeout  *time.Duration `mapstructure:"timeout,omitempty" yaml:"timeout,omitempty"`
	Attempts *int           `mapstructure:"attempts,omitempty" yaml:"attempts,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type ConfigProfile struct {
	Instrument  *InstrumentReference `mapstructure:"instrument,omitempty" yaml:"instrument,omitempty"`
	Stage       *StageReference      `mapstructure:"stage,omitempty" yaml:"stage,omitempty"`
	Acquisition AcquisitionConfig    `mapstructure:"acquisition" yaml:"acquisition"`
	Output      OutputConfig         `mapstructure:"output" yaml:"output"`
	Scan        ScanConfig           `mapstructure:"scan" yaml:"scan"`
}

// Config is a resolved profile: references replaced by their definitions,
// missing values filled from the default profile and the built-in defaults.
type Config struct {
	Instrument  InstrumentConfig  `mapstructure:"instrument" yaml:"instrument"`
	Stage       StageConfig       `mapstructure:"stage" yaml:"stage"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition" yaml:"acquisition"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Scan        ScanConfig        `mapstructure:"scan" yaml:"scan"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InstrumentConfig struct {
	Name            string        `mapstructure:"name" yaml:"name"`
	Address         string        `mapstructure:"address" yaml:"address"`
	Driver          string        `mapstructure:"driver" yaml:"driver"` // "lecroy", "simulator", "auto"
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TriggerTimeout  time.Duration `mapstructure:"trigger_timeout" yaml:"trigger_timeout"` // wait for a trigger, 0 uses timeout
	SuppressDisplay bool          `mapstructure:"suppress_display" yaml:"suppress_display"`
}

type StageConfig struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	Port     string        `mapstructure:"port" yaml:"port"`
	BaudRate int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
}

type AcquisitionConfig struct {
	Events      int           `mapstructure:"events" yaml:"events"`
	Sequence    int           `mapstructure:"sequence" yaml:"sequence"`
	SampleWidth string        `mapstructure:"sample_width" yaml:"sample_width"` // "word" or "byte"
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"` // wait after a failed trigger cycle
	PadPolicy   string        `mapstructure:"pad_policy" yaml:"pad_policy"`   // "keep" or "zero"
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	StoreMode string `mapstructure:"store_mode" yaml:"store_mode"` // "memory" or "disk"
}

type ScanConfig struct {
	XStart float64       `mapstructure:"x_start" yaml:"x_start"`
	XEnd   float64       `mapstructure:"x_end" yaml:"x_end"`
	XSteps int           `mapstructure:"x_steps" yaml:"x_steps"`
	YStart float64       `mapstructure:"y_start" yaml:"y_start"`
	YEnd   float64       `mapstructure:"y_end" yaml:"y_end"`
	YSteps int           `mapstructure:"y_steps" yaml:"y_steps"`
	Settle time.Duration `mapstructure:"settle" yaml:"settle"`
}

type InheritanceInfo struct {
	Instrument struct {
		Address         string // "inherited" or "profile-specific"
		Timeout         string
		TriggerTimeout  string
		SuppressDisplay string
	}
	Stage struct {
		Port    string
		Timeout string
	}
	Acquisition struct {
		Events      string
		Sequence    string
		SampleWidth string
		MaxRetries  string
		RetryDelay  string
		PadPolicy   string
	}
	Output struct {
		Directory string
		StoreMode string
	}
	Scan struct {
		Grid   string
		Settle string
	}
}

var defaultConfig = Config{
	Instrument: InstrumentConfig{
		Name:           "scope",
		Address:        "127.0.0.1",
		Driver:         "auto",
		Timeout:        10 * time.Second,
		TriggerTimeout: 10 * time.Second,
	},
	Stage: StageConfig{
		Name:     "chuck",
		Port:     "/dev/ttyUSB0",
		BaudRate: 115200,
		Timeout:  500 * time.Millisecond,
		Attempts: 50,
	},
	Acquisition: AcquisitionConfig{
		Events:      1000,
		Sequence:    1,
		SampleWidth: "word",
		RetryDelay:  500 * time.Millisecond,
		PadPolicy:   "keep",
	},
	Output: OutputConfig{
		Directory: ".",
		StoreMode: "memory",
	},
	Scan: ScanConfig{
		XSteps: 1,
		YSteps: 1,
		Settle: time.Second,
	},
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	cfg := defaultConfig
	cfg.Inheritance = &InheritanceInfo{}
	markAll(cfg.Inheritance, inherited)
	return &cfg
}

// DefaultPath returns $HOME/.config/lecrunch.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lecrunch.yaml")
}

// Load resolves a profile from configFile. A missing file is not an error
// unless required is set: the built-in defaults are used instead.
func Load(configFile, profile string, required bool) (*Config, error) {
	if configFile == "" {
		configFile = DefaultPath()
	}
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) && !required {
		if profile != "" && profile != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found: no config file at %s", profile, configFile)
		}
		cfg := Default()
		applyEnv(cfg)
		return cfg, cfg.Validate()
	}
	return LoadWithProfile(configFile, profile)
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// The default profile sits between the built-in defaults and the selection.
	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			fromFile, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(base, fromFile)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)

	// Global output directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.Directory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.Directory
	}
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Stage.Port = expandPath(selectedConfig.Stage.Port)

	applyEnv(selectedConfig)

	if err := selectedConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selectedConfig, nil
}

// applyEnv lets LECRUNCH_* variables override the resolved values that are
// most often changed per run.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"instrument.address", "instrument.driver", "output.directory", "output.store_mode", "stage.port"} {
		_ = v.BindEnv(key)
	}

	if s := v.GetString("instrument.address"); s != "" {
		cfg.Instrument.Address = s
	}
	if s := v.GetString("instrument.driver"); s != "" {
		cfg.Instrument.Driver = s
	}
	if s := v.GetString("output.directory"); s != "" {
		cfg.Output.Directory = expandPath(s)
	}
	if s := v.GetString("output.store_mode"); s != "" {
		cfg.Output.StoreMode = s
	}
	if s := v.GetString("stage.port"); s != "" {
		cfg.Stage.Port = s
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if _, ok := v.GetStringMap("configs")[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Profiles lists the profile names of a config file.
func Profiles(configFile string) ([]string, string, error) {
	root, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, root.ActiveConfig, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving
// instrument and stage references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Acquisition: profile.Acquisition,
		Output:      profile.Output,
		Scan:        profile.Scan,
	}

	if ref := profile.Instrument; ref != nil {
		def := findInstrument(definitions, ref.Ref)
		if def == nil {
			return nil, fmt.Errorf("instrument: reference '%s' not found in definitions", ref.Ref)
		}
		config.Instrument = InstrumentConfig{
			Name:            def.ID,
			Address:         def.Address,
			Driver:          def.Driver,
			Timeout:         def.Timeout,
			TriggerTimeout:  def.TriggerTimeout,
			SuppressDisplay: def.SuppressDisplay,
		}
		if ref.Timeout != nil {
			config.Instrument.Timeout = *ref.Timeout
		}
		if ref.TriggerTimeout != nil {
			config.Instrument.TriggerTimeout = *ref.TriggerTimeout
		}
		if ref.SuppressDisplay != nil {
			config.Instrument.SuppressDisplay = *ref.SuppressDisplay
		}
	}

	if ref := profile.Stage; ref != nil {
		def := findStage(definitions, ref.Ref)
		if def == nil {
			return nil, fmt.Errorf("stage: reference '%s' not found in definitions", ref.Ref)
		}
		config.Stage = StageConfig{
			Name:     def.ID,
			Port:     def.Port,
			BaudRate: def.BaudRate,
			Timeout:  def.Timeout,
			Attempts: def.Attempts,
		}
		if ref.Timeout != nil {
			config.Stage.Timeout = *ref.Timeout
		}
		if ref.Attempts != nil {
			config.Stage.Attempts = *ref.Attempts
		}
	}

	return config, nil
}

func findInstrument(definitions *DefinitionsConfig, id string) *InstrumentDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Instruments {
		if definitions.Instruments[i].ID == id {
			return &definitions.Instruments[i]
		}
	}
	return nil
}

func findStage(definitions *DefinitionsConfig, id string) *StageDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Stages {
		if definitions.Stages[i].ID == id {
			return &definitions.Stages[i]
		}
	}
	return nil
}

func markAll(info *InheritanceInfo, how string) {
	info.Instrument.Address = how
	info.Instrument.Timeout = how
	info.Instrument.TriggerTimeout = how
	info.Instrument.SuppressDisplay = how
	info.Stage.Port = how
	info.Stage.Timeout = how
	info.Acquisition.Events = how
	info.Acquisition.Sequence = how
	info.Acquisition.SampleWidth = how
	info.Acquisition.MaxRetries = how
	info.Acquisition.RetryDelay = how
	info.Acquisition.PadPolicy = how
	info.Output.Directory = how
	info.Output.StoreMode = how
	info.Scan.Grid = how
	info.Scan.Settle = how
}

// mergeConfigs implements the "Selection & Fallback" inheritance model: every
// value set in the profile wins, everything else falls back to base.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}

	if base != nil {
		result.Instrument = base.Instrument
		result.Stage = base.Stage
		result.Acquisition = base.Acquisition
		result.Output = base.Output
		result.Scan = base.Scan
		markAll(result.Inheritance, inherited)
	}

	if profile == nil {
		return result
	}

	// Instrument: a referenced definition replaces the whole instrument
	if profile.Instrument.Address != "" {
		result.Instrument.Name = profile.Instrument.Name
		result.Instrument.Address = profile.Instrument.Address
		result.Inheritance.Instrument.Address = profileSpecific
		if profile.Instrument.Driver != "" {
			result.Instrument.Driver = profile.Instrument.Driver
		}
	}
	if profile.Instrument.Timeout != 0 {
		result.Instrument.Timeout = profile.Instrument.Timeout
		result.Inheritance.Instrument.Timeout = profileSpecific
	}
	if profile.Instrument.TriggerTimeout != 0 {
		result.Instrument.TriggerTimeout = profile.Instrument.TriggerTimeout
		result.Inheritance.Instrument.TriggerTimeout = profileSpecific
	}
	if profile.Instrument.SuppressDisplay {
		result.Instrument.SuppressDisplay = true
		result.Inheritance.Instrument.SuppressDisplay = profileSpecific
	}

	if profile.Stage.Port != "" {
		result.Stage.Name = profile.Stage.Name
		result.Stage.Port = profile.Stage.Port
		result.Inheritance.Stage.Port = profileSpecific
		if profile.Stage.BaudRate != 0 {
			result.Stage.BaudRate = profile.Stage.BaudRate
		}
	}
	if profile.Stage.Timeout != 0 {
		result.Stage.Timeout = profile.Stage.Timeout
		result.Inheritance.Stage.Timeout = profileSpecific
	}
	if profile.Stage.Attempts != 0 {
		result.Stage.Attempts = profile.Stage.Attempts
	}

	if profile.Acquisition.Events != 0 {
		result.Acquisition.Events = profile.Acquisition.Events
		result.Inheritance.Acquisition.Events = profileSpecific
	}
	if profile.Acquisition.Sequence != 0 {
		result.Acquisition.Sequence = profile.Acquisition.Sequence
		result.Inheritance.Acquisition.Sequence = profileSpecific
	}
	if profile.Acquisition.SampleWidth != "" {
		result.Acquisition.SampleWidth = profile.Acquisition.SampleWidth
		result.Inheritance.Acquisition.SampleWidth = profileSpecific
	}
	if profile.Acquisition.MaxRetries != 0 {
		result.Acquisition.MaxRetries = profile.Acquisition.MaxRetries
		result.Inheritance.Acquisition.MaxRetries = profileSpecific
	}
	if profile.Acquisition.RetryDelay != 0 {
		result.Acquisition.RetryDelay = profile.Acquisition.RetryDelay
		result.Inheritance.Acquisition.RetryDelay = profileSpecific
	}
	if profile.Acquisition.PadPolicy != "" {
		result.Acquisition.PadPolicy = profile.Acquisition.PadPolicy
		result.Inheritance.Acquisition.PadPolicy = profileSpecific
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = profileSpecific
	}
	if profile.Output.StoreMode != "" {
		result.Output.StoreMode = profile.Output.StoreMode
		result.Inheritance.Output.StoreMode = profileSpecific
	}

	// Scan grid: the x/y axes travel together
	if profile.Scan.XSteps != 0 || profile.Scan.YSteps != 0 {
		settle := result.Scan.Settle
		result.Scan = profile.Scan
		result.Scan.Settle = settle
		if result.Scan.XSteps == 0 {
			result.Scan.XSteps = 1
		}
		if result.Scan.YSteps == 0 {
			result.Scan.YSteps = 1
		}
		result.Inheritance.Scan.Grid = profileSpecific
	}
	if profile.Scan.Settle != 0 {
		result.Scan.Settle = profile.Scan.Settle
		result.Inheritance.Scan.Settle = profileSpecific
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration.
func (c *Config) Validate() error {
	a := c.Acquisition
	if a.Events < 1 || a.Sequence < 1 {
		return fmt.Errorf("acquisition: events (%d) and sequence (%d) must be positive", a.Events, a.Sequence)
	}
	if a.Events%a.Sequence != 0 {
		return fmt.Errorf("acquisition: #events %d must be a multiplicity of #sequences %d", a.Events, a.Sequence)
	}
	if a.SampleWidth != "word" && a.SampleWidth != "byte" {
		return fmt.Errorf("acquisition: 'sample_width' must be 'word' or 'byte', got: %s", a.SampleWidth)
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("acquisition: 'max_retries' must be >= 0, got: %d", a.MaxRetries)
	}
	if a.RetryDelay < 0 {
		return fmt.Errorf("acquisition: 'retry_delay' must be >= 0, got: %s", a.RetryDelay)
	}
	if a.PadPolicy != "keep" && a.PadPolicy != "zero" {
		return fmt.Errorf("acquisition: 'pad_policy' must be 'keep' or 'zero', got: %s", a.PadPolicy)
	}
	if c.Output.StoreMode != "memory" && c.Output.StoreMode != "disk" {
		return fmt.Errorf("output: 'store_mode' must be 'memory' or 'disk', got: %s", c.Output.StoreMode)
	}
	if err := validateInstrument(c.Instrument, "instrument"); err != nil {
		return err
	}
	if c.Scan.XSteps < 1 || c.Scan.YSteps < 1 {
		return fmt.Errorf("scan: steps must be >= 1, got %dx%d", c.Scan.XSteps, c.Scan.YSteps)
	}
	if c.Scan.Settle < 0 {
		return fmt.Errorf("scan: 'settle' must be >= 0, got: %s", c.Scan.Settle)
	}
	return nil
}

func validateInstrument(in InstrumentConfig, prefix string) error {
	if in.Address == "" {
		return fmt.Errorf("%s: 'address' is required", prefix)
	}
	switch in.Driver {
	case "", "auto", "lecroy", "simulator":
	default:
		return fmt.Errorf("%s: 'driver' must be 'lecroy', 'simulator' or 'auto', got: %s", prefix, in.Driver)
	}
	if in.Timeout <= 0 {
		return fmt.Errorf("%s: 'timeout' must be > 0, got: %s", prefix, in.Timeout)
	}
	if in.TriggerTimeout < 0 {
		return fmt.Errorf("%s: 'trigger_timeout' must be >= 0, got: %s", prefix, in.TriggerTimeout)
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section cannot be empty")
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateReferences(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It may be absent
// when no profile references anything.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Instruments {
		prefix := fmt.Sprintf("definitions.instruments[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		in := InstrumentConfig{Address: def.Address, Driver: def.Driver, Timeout: def.Timeout, TriggerTimeout: def.TriggerTimeout}
		if in.Timeout == 0 {
			in.Timeout = defaultConfig.Instrument.Timeout
		}
		if err := validateInstrument(in, prefix); err != nil {
			return err
		}
	}

	seenIDs = make(map[string]bool)
	for i, def := range definitions.Stages {
		prefix := fmt.Sprintf("definitions.stages[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Port == "" {
			return fmt.Errorf("%s: 'port' is required", prefix)
		}
		if def.BaudRate < 0 {
			return fmt.Errorf("%s: 'baud_rate' must be > 0, got: %d", prefix, def.BaudRate)
		}
		if def.Attempts < 0 {
			return fmt.Errorf("%s: 'attempts' must be >= 0, got: %d", prefix, def.Attempts)
		}
	}

	return nil
}

// validateReferences validates instrument and stage references in a config profile
func validateReferences(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if ref := profile.Instrument; ref != nil {
		if ref.Ref == "" {
			return fmt.Errorf("instrument: 'ref' is required")
		}
		if findInstrument(definitions, ref.Ref) == nil {
			return fmt.Errorf("instrument: references undefined instrument definition '%s'", ref.Ref)
		}
		if ref.Timeout != nil && *ref.Timeout <= 0 {
			return fmt.Errorf("instrument: timeout override must be > 0, got %s", *ref.Timeout)
		}
		if ref.TriggerTimeout != nil && *ref.TriggerTimeout < 0 {
			return fmt.Errorf("instrument: trigger_timeout override must be >= 0, got %s", *ref.TriggerTimeout)
		}
	}

	if ref := profile.Stage; ref != nil {
		if ref.Ref == "" {
			return fmt.Errorf("stage: 'ref' is required")
		}
		if findStage(definitions, ref.Ref) == nil {
			return fmt.Errorf("stage: references undefined stage definition '%s'", ref.Ref)
		}
		if ref.Attempts != nil && *ref.Attempts < 0 {
			return fmt.Errorf("stage: attempts override must be >= 0, got %d", *ref.Attempts)
		}
	}

	return nil
}
