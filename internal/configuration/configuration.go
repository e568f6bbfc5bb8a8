package configuration

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pillmate/devicecfg/internal/header"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

const pkgName = "internal/configuration"

var (
	defaultProbeTimeout      = 10 * time.Second
	defaultProbeRetryMax     = 3
	defaultProbeRetryWaitMin = 500 * time.Millisecond
	defaultProbeRetryWaitMax = 5 * time.Second
	defaultProbePath         = "/functions/v1/health"
)

// DeviceOptions are the sources of the device record.
type DeviceOptions struct {
	model.DeviceParams `mapstructure:",squash"`

	// SecretFile is read when Secret is empty, so the secret can live in a
	// mounted file instead of the config file.
	SecretFile string `mapstructure:"secret_file"`

	// LegacyHeader is a config.h whose constants are used for the fields
	// left empty in the config file and environment.
	LegacyHeader string `mapstructure:"legacy_header"`
}

// ProbeOptions configure the backend health probe.
type ProbeOptions struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	Path         string        `mapstructure:"path"`
}

func newProbeOptions() *ProbeOptions {
	return &ProbeOptions{
		Timeout:      defaultProbeTimeout,
		RetryMax:     defaultProbeRetryMax,
		RetryWaitMin: defaultProbeRetryWaitMin,
		RetryWaitMax: defaultProbeRetryWaitMax,
		Path:         defaultProbePath,
	}
}

type MetricsOptions struct {
	// Textfile is where the metrics are written for the node_exporter
	// textfile collector. Empty disables the export.
	Textfile string `mapstructure:"textfile"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	DeviceOptions *DeviceOptions `mapstructure:"device"`

	Probe *ProbeOptions `mapstructure:"probe"`

	Metrics *MetricsOptions `mapstructure:"metrics"`

	device model.Device
}

// New creates an empty configuration struct.
func New() *Configuration {
	config := &Configuration{}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	config.DeviceOptions = &DeviceOptions{}
	config.Probe = newProbeOptions()
	config.Metrics = &MetricsOptions{}

	return config
}

// Device returns the device record resolved by Load.
func (c *Configuration) Device() model.Device {
	return c.device
}

func (c *Configuration) AsLogFields() []any {
	fields := []any{
		"logLevel", c.LogLevel,
		"secretFile", c.DeviceOptions.SecretFile,
		"legacyHeader", c.DeviceOptions.LegacyHeader,
		"probeTimeout", c.Probe.Timeout.String(),
		"metricsTextfile", c.Metrics.Textfile,
	}

	return append(fields, c.device.AsLogFields()...)
}

func (c *Configuration) LoadArgs(args *model.Args) {
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(ctx context.Context, args *model.Args) (*Configuration, error) {
	_, span := otel.Tracer(pkgName).Start(ctx, "configuration.Load")
	defer span.End()

	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.LoadArgs(args)

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if err := config.validateProbe(); err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	params, err := config.resolveDevice()
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	config.device = model.NewDevice(params)

	return config, nil
}

// resolveDevice merges the legacy header, the config file and env values,
// and the secret file into the device parameters.
func (c *Configuration) resolveDevice() (model.DeviceParams, error) {
	opts := c.DeviceOptions
	params := model.DeviceParams{}

	if opts.LegacyHeader != "" {
		fh, err := os.Open(opts.LegacyHeader)
		if err != nil {
			return params, errors.Wrap(err, "legacy header")
		}
		defer fh.Close()

		defines, err := header.Parse(fh)
		if err != nil {
			return params, err
		}

		params = defines.DeviceParams()
	}

	overlay(&params.WifiSSID, opts.WifiSSID)
	overlay(&params.WifiPassword, opts.WifiPassword)
	overlay(&params.BackendURL, opts.BackendURL)
	overlay(&params.Serial, opts.Serial)
	overlay(&params.Secret, opts.Secret)

	if opts.Secret == "" && opts.SecretFile != "" {
		b, err := os.ReadFile(opts.SecretFile)
		if err != nil {
			return params, errors.Wrap(err, "secret file")
		}

		params.Secret = strings.TrimSpace(string(b))
	}

	return params, nil
}

func overlay(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func (c *Configuration) validateProbe() error {
	if c.Probe == nil {
		c.Probe = newProbeOptions()
	}

	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be positive")
	}

	if c.Probe.RetryMax < 0 {
		return errors.New("probe.retry_max must not be negative")
	}

	if c.Probe.RetryWaitMax < c.Probe.RetryWaitMin {
		return errors.New("probe.retry_wait_max is lower than probe.retry_wait_min")
	}

	if !strings.HasPrefix(c.Probe.Path, "/") {
		return errors.New("probe.path must start with /")
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsOptions{}
	}

	return nil
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}
