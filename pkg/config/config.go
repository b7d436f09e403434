package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/pidfile"
)

// EnvConfig carries the serialized configuration from the daemon to the
// processes it spawns.
const EnvConfig = "GMWORKER_CONFIG"

// Config is the complete daemon configuration. Every option can be set in
// the YAML file and on the command line; the command line wins.
type Config struct {
	ConfigFile string `yaml:"-" long:"config" description:"YAML configuration file"`

	Server     List   `yaml:"server" long:"server" description:"job server host[:port], repeatable or comma separated" validate:"min=1,dive,required"`
	Identifier string `yaml:"identifier" long:"identifier" description:"name of this worker in status replies, defaults to the hostname"`

	MinWorker         int `yaml:"min-worker" long:"min-worker" description:"workers kept running at all times" validate:"gte=0"`
	MaxWorker         int `yaml:"max-worker" long:"max-worker" description:"upper bound of the pool, 1 runs in-process" validate:"gte=1,gtefield=MinWorker"`
	IdleTimeout       int `yaml:"idle-timeout" long:"idle-timeout" description:"seconds a worker waits for a job before exiting, 0 never" validate:"gte=0"`
	MaxJobs           int `yaml:"max-jobs" long:"max-jobs" description:"jobs after which a worker is recycled, 0 never" validate:"gte=0"`
	AutoscaleInterval int `yaml:"autoscale_interval" long:"autoscale_interval" description:"seconds between pool size evaluations" validate:"gt=0"`
	ShutdownGrace     int `yaml:"shutdown_grace" long:"shutdown_grace" description:"seconds between termination signals on shutdown" validate:"gt=0"`

	MaxAge             int    `yaml:"max-age" long:"max-age" description:"seconds after which queued checks are not run anymore, 0 disables" validate:"gte=0"`
	JobTimeout         int    `yaml:"job_timeout" long:"job_timeout" description:"default check timeout in seconds" validate:"gt=0"`
	TimeoutReturn      int    `yaml:"timeout_return" long:"timeout_return" description:"return code of timed out checks" validate:"gte=0,lte=3"`
	ForkOnExec         Toggle `yaml:"fork_on_exec" long:"fork_on_exec" optional:"yes" optional-value:"yes" description:"run each check through a helper process"`
	WorkaroundRC25     Toggle `yaml:"workaround_rc_25" long:"workaround_rc_25" optional:"yes" optional-value:"yes" description:"pass return code 25 through"`
	ExitCodeExceptions List   `yaml:"exit_code_exceptions" long:"exit_code_exceptions" description:"exit codes above 3 passed through unchanged" validate:"dive,numeric"`
	ShowErrorOutput    Toggle `yaml:"show_error_output" long:"show_error_output" optional:"yes" optional-value:"yes" description:"append stderr to failed check output"`
	MaxOutput          int    `yaml:"max_output" long:"max_output" description:"bytes of plugin output kept per stream" validate:"gt=0"`

	Encryption         Toggle `yaml:"encryption" long:"encryption" optional:"yes" optional-value:"yes" description:"encrypt jobs and results"`
	Key                string `yaml:"key" long:"key" description:"encryption password"`
	KeyFile            string `yaml:"keyfile" long:"keyfile" description:"file holding the encryption password"`
	AcceptClearResults Toggle `yaml:"accept_clear_results" long:"accept_clear_results" optional:"yes" optional-value:"yes" description:"accept unencrypted jobs when encryption is on"`

	Hosts         Toggle `yaml:"hosts" long:"hosts" optional:"yes" optional-value:"yes" description:"serve the host queue"`
	Services      Toggle `yaml:"services" long:"services" optional:"yes" optional-value:"yes" description:"serve the service queue"`
	EventHandler  Toggle `yaml:"eventhandler" long:"eventhandler" optional:"yes" optional-value:"yes" description:"serve the eventhandler queue"`
	HostGroups    List   `yaml:"hostgroups" long:"hostgroups" description:"hostgroup queues to serve" validate:"dive,required"`
	ServiceGroups List   `yaml:"servicegroups" long:"servicegroups" description:"servicegroup queues to serve" validate:"dive,required"`

	Daemon    Toggle `yaml:"daemon" long:"daemon" short:"d" optional:"yes" optional-value:"yes" description:"detach and run in the background"`
	PidFile   string `yaml:"pidfile" long:"pidfile" description:"pidfile path"`
	LogFile   string `yaml:"logfile" long:"logfile" description:"log file path, stderr when empty"`
	LogFormat string `yaml:"log_format" long:"log_format" description:"console or json" validate:"oneof=console json"`
	Debug     int    `yaml:"debug" long:"debug" description:"debug level 0-3" validate:"gte=0,lte=3"`

	StatusListen  string `yaml:"status_listen" long:"status_listen" description:"address of the gRPC health endpoint" validate:"omitempty,hostname_port"`
	MetricsListen string `yaml:"metrics_listen" long:"metrics_listen" description:"address of the Prometheus endpoint" validate:"omitempty,hostname_port"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		MinWorker:         1,
		MaxWorker:         20,
		IdleTimeout:       10,
		MaxJobs:           1000,
		AutoscaleInterval: 3,
		ShutdownGrace:     1,
		JobTimeout:        60,
		TimeoutReturn:     2,
		ShowErrorOutput:   Yes,
		MaxOutput:         64 * 1024,
		Encryption:        Yes,
		LogFormat:         "console",
	}
}

// Load applies defaults, the YAML file named by --config and then the
// command line. Remaining positional arguments are returned.
func Load(args []string) (*Config, []string, error) {
	var pre struct {
		ConfigFile string `long:"config"`
	}
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, nil, errors.NewValidationError("failed to parse command line", err)
	}

	cfg := Default()
	if pre.ConfigFile != "" {
		if err := cfg.loadFile(pre.ConfigFile); err != nil {
			return nil, nil, err
		}
	}

	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Finalize(); err != nil {
		return nil, nil, err
	}
	return cfg, rest, nil
}

func (c *Config) loadFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}
	return nil
}

// Finalize reads the keyfile, fills derived defaults and validates.
func (c *Config) Finalize() error {
	if c.Key == "" && c.KeyFile != "" {
		key, err := readKeyFile(c.KeyFile)
		if err != nil {
			return err
		}
		c.Key = key
	}
	if c.Identifier == "" {
		c.Identifier, _ = os.Hostname()
	}
	if c.Daemon.Enabled() && c.PidFile == "" {
		c.PidFile = pidfile.DefaultPath("")
	}
	return Validate(c)
}

func readKeyFile(filename string) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", errors.NewIOError("failed to read keyfile", err).WithContext("keyfile", filename)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", errors.NewIOError("failed to read keyfile", err).WithContext("keyfile", filename)
	}
	return "", nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Config)
		if c.Encryption.Enabled() && c.Key == "" {
			sl.ReportError(c.Key, "Key", "key", "required_with_encryption", "")
		}
	}, Config{})
	return v
}

// Validate checks option ranges and cross-field rules.
func Validate(c *Config) error {
	if c == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if err := validate.Struct(c); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			var problems []string
			for _, fe := range fieldErrors {
				problems = append(problems, describe(fe))
			}
			return errors.NewValidationError("invalid configuration: "+strings.Join(problems, "; "), err)
		}
		return errors.NewValidationError("invalid configuration", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required_with_encryption":
		return "key or keyfile is required when encryption is enabled"
	case "gtefield":
		return fmt.Sprintf("%s must not be below %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}

// Queues lists the functions this worker registers. Without any explicit
// selection the host, service and eventhandler queues are all served.
func (c *Config) Queues() []string {
	var queues []string
	if c.Hosts.Enabled() {
		queues = append(queues, "host")
	}
	if c.Services.Enabled() {
		queues = append(queues, "service")
	}
	if c.EventHandler.Enabled() {
		queues = append(queues, "eventhandler")
	}
	for _, group := range c.HostGroups {
		queues = append(queues, "hostgroup_"+group)
	}
	for _, group := range c.ServiceGroups {
		queues = append(queues, "servicegroup_"+group)
	}
	if len(queues) == 0 {
		queues = []string{"host", "service", "eventhandler"}
	}
	return queues
}

// StatusQueue is the function answering pool status queries.
func (c *Config) StatusQueue() string {
	return "worker_" + c.Identifier
}

func (c *Config) ExitCodes() []int {
	codes := make([]int, 0, len(c.ExitCodeExceptions))
	for _, s := range c.ExitCodeExceptions {
		if n, err := strconv.Atoi(s); err == nil {
			codes = append(codes, n)
		}
	}
	return codes
}

func (c *Config) JobTimeoutDuration() time.Duration {
	return time.Duration(c.JobTimeout) * time.Second
}

func (c *Config) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

func (c *Config) MaxAgeDuration() time.Duration {
	return time.Duration(c.MaxAge) * time.Second
}

func (c *Config) AutoscaleIntervalDuration() time.Duration {
	return time.Duration(c.AutoscaleInterval) * time.Second
}

func (c *Config) ShutdownGraceDuration() time.Duration {
	return time.Duration(c.ShutdownGrace) * time.Second
}

// Marshal serializes the effective configuration for child processes.
func Marshal(c *Config) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize configuration", err)
	}
	return data, nil
}

// Unmarshal restores a configuration produced by Marshal.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the configuration handed down in EnvConfig.
func FromEnv() (*Config, error) {
	data := os.Getenv(EnvConfig)
	if data == "" {
		return nil, errors.NewNotFoundError(EnvConfig+" is not set", nil)
	}
	return Unmarshal([]byte(data))
}

// String renders the configuration for logs with the key masked.
func (c Config) String() string {
	masked := c
	if masked.Key != "" {
		masked.Key = "***"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("%+v", masked)
	}
	return strings.TrimSpace(string(data))
}
