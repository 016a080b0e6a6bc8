// Package cfg loads the nightly-sync configuration file.
package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a configuration file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Environment variables that overwrite secrets of the configuration file.
const (
	EnvGithubAPIToken = "NIGHTLY_SYNC_GITHUB_TOKEN"
	EnvZulipAPIKey    = "NIGHTLY_SYNC_ZULIP_API_KEY"
	EnvWebhookSecret  = "NIGHTLY_SYNC_WEBHOOK_SECRET"
)

const (
	BackendGit    = "git"
	BackendGithub = "github"
)

const (
	DedupSourceChannel = "channel"
	DedupSourceState   = "state"
)

const (
	defTrackedBranch      = "nightly-testing"
	defLogFormat          = "logfmt"
	defLogLevel           = "info"
	defLogTimeKey         = "time_iso8601"
	defSourceRemote       = "origin"
	defRequestsPerSecond  = 2
	defWebhookEndpoint    = "/listener/github"
	defToolchainFile      = "lean-toolchain"
	defUpstreamRemote     = "origin"
	defUpstreamTagsRemote = "nightly"
)

type Config struct {
	TrackedBranch         string `toml:"tracked_branch" yaml:"tracked_branch"`
	LogFormat             string `toml:"log_format" yaml:"log_format"`
	LogLevel              string `toml:"log_level" yaml:"log_level"`
	LogTimeKey            string `toml:"log_time_key" yaml:"log_time_key"`
	GithubAPIToken        string `toml:"github_api_token" yaml:"github_api_token"`
	GithubServerURL       string `toml:"github_server_url" yaml:"github_server_url"`
	GithubAPIURL          string `toml:"github_api_url" yaml:"github_api_url"`
	GithubGraphQLURL      string `toml:"github_graphql_url" yaml:"github_graphql_url"`
	RetryTimeout          string `toml:"retry_timeout" yaml:"retry_timeout"`
	StateDB               string `toml:"state_db" yaml:"state_db"`
	MetricsPushgatewayURL string `toml:"metrics_pushgateway_url" yaml:"metrics_pushgateway_url"`
	DryRun                bool   `toml:"dry_run" yaml:"dry_run"`

	Source       Source       `toml:"source" yaml:"source"`
	Upstream     Upstream     `toml:"upstream" yaml:"upstream"`
	Notification Notification `toml:"notification" yaml:"notification"`
	Server       Server       `toml:"server" yaml:"server"`

	retryTimeout time.Duration `toml:"-" yaml:"-"`
}

// Source is the repository that is tested and receives the release tags.
type Source struct {
	Owner      string `toml:"owner" yaml:"owner"`
	Repository string `toml:"repository" yaml:"repository"`
	// Backend is "git" or "github".
	Backend   string `toml:"backend" yaml:"backend"`
	WorkDir   string `toml:"work_dir" yaml:"work_dir"`
	Remote    string `toml:"remote" yaml:"remote"`
	TagPrefix string `toml:"tag_prefix" yaml:"tag_prefix"`
}

// FullName returns owner/repository.
func (s *Source) FullName() string {
	return s.Owner + "/" + s.Repository
}

// Upstream configures merging upstream release tags into a tracking
// branch. Merging is disabled when WorkDir is empty.
type Upstream struct {
	WorkDir        string `toml:"work_dir" yaml:"work_dir"`
	CloneURL       string `toml:"clone_url" yaml:"clone_url"`
	Remote         string `toml:"remote" yaml:"remote"`
	TagsRemote     string `toml:"tags_remote" yaml:"tags_remote"`
	TagsURL        string `toml:"tags_url" yaml:"tags_url"`
	TrackingBranch string `toml:"tracking_branch" yaml:"tracking_branch"`
	TagPrefix      string `toml:"tag_prefix" yaml:"tag_prefix"`
}

// Enabled returns true if merging is configured.
func (u *Upstream) Enabled() bool {
	return u.WorkDir != ""
}

type Notification struct {
	ZulipSite         string  `toml:"zulip_site" yaml:"zulip_site"`
	ZulipEmail        string  `toml:"zulip_email" yaml:"zulip_email"`
	ZulipAPIKey       string  `toml:"zulip_api_key" yaml:"zulip_api_key"`
	Stream            string  `toml:"stream" yaml:"stream"`
	Topic             string  `toml:"topic" yaml:"topic"`
	SuccessMessage    string  `toml:"success_message" yaml:"success_message"`
	FailureMessage    string  `toml:"failure_message" yaml:"failure_message"`
	DedupSource       string  `toml:"dedup_source" yaml:"dedup_source"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

type Server struct {
	ListenAddr      string `toml:"listen_addr" yaml:"listen_addr"`
	HTTPSListenAddr string `toml:"https_listen_addr" yaml:"https_listen_addr"`
	HTTPSCertFile   string `toml:"https_cert_file" yaml:"https_cert_file"`
	HTTPSKeyFile    string `toml:"https_key_file" yaml:"https_key_file"`
	WebhookEndpoint string `toml:"webhook_endpoint" yaml:"webhook_endpoint"`
	WebhookSecret   string `toml:"webhook_secret" yaml:"webhook_secret"`
	FilterQuery     string `toml:"filter_query" yaml:"filter_query"`
	ToolchainFile   string `toml:"toolchain_file" yaml:"toolchain_file"`
}

// FormatFromPath returns FormatYAML for files with a .yaml or .yml
// extension, otherwise FormatTOML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Load reads the configuration from reader, applies the environment
// overrides and validates it.
func Load(reader io.Reader, format Format) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatTOML, "":
		if err := toml.Unmarshal(data, &result); err != nil {
			return nil, err
		}

	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&result); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported configuration format: %q", format)
	}

	result.applyEnv(os.LookupEnv)

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

// LoadFile loads the configuration file at path.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Load(file, FormatFromPath(path))
}

func (c *Config) applyEnv(lookupFn func(string) (string, bool)) {
	if v, ok := lookupFn(EnvGithubAPIToken); ok {
		c.GithubAPIToken = v
	}

	if v, ok := lookupFn(EnvZulipAPIKey); ok {
		c.Notification.ZulipAPIKey = v
	}

	if v, ok := lookupFn(EnvWebhookSecret); ok {
		c.Server.WebhookSecret = v
	}
}

// Validate sets defaults for unset optional fields and returns an error if
// a mandatory field is missing or a value is invalid.
func (c *Config) Validate() error {
	var errs []error

	setDefault(&c.TrackedBranch, defTrackedBranch)
	setDefault(&c.LogFormat, defLogFormat)
	setDefault(&c.LogLevel, defLogLevel)
	setDefault(&c.LogTimeKey, defLogTimeKey)
	setDefault(&c.Source.Backend, BackendGit)
	setDefault(&c.Source.Remote, defSourceRemote)
	setDefault(&c.Notification.DedupSource, DedupSourceChannel)
	setDefault(&c.Server.WebhookEndpoint, defWebhookEndpoint)
	setDefault(&c.Server.ToolchainFile, defToolchainFile)

	if c.Notification.RequestsPerSecond == 0 {
		c.Notification.RequestsPerSecond = defRequestsPerSecond
	}

	if c.RetryTimeout != "" {
		d, err := time.ParseDuration(c.RetryTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry_timeout: %w", err))
		} else if d < 0 {
			errs = append(errs, errors.New("retry_timeout must not be negative"))
		}
		c.retryTimeout = d
	}

	switch c.Source.Backend {
	case BackendGit:
		if c.Source.WorkDir == "" {
			errs = append(errs, errors.New("source.work_dir must be set when source.backend is git"))
		}

	case BackendGithub:
		if c.Source.Owner == "" || c.Source.Repository == "" {
			errs = append(errs, errors.New("source.owner and source.repository must be set when source.backend is github"))
		}

	default:
		errs = append(errs, fmt.Errorf("source.backend: unsupported value %q, must be %s or %s", c.Source.Backend, BackendGit, BackendGithub))
	}

	if c.Upstream.Enabled() {
		setDefault(&c.Upstream.Remote, defUpstreamRemote)
		setDefault(&c.Upstream.TagsRemote, defUpstreamTagsRemote)

		if c.Upstream.TagsURL == "" {
			errs = append(errs, errors.New("upstream.tags_url must be set when upstream.work_dir is set"))
		}
	}

	if c.Notification.ZulipSite == "" {
		errs = append(errs, errors.New("notification.zulip_site is empty"))
	}

	if c.Notification.ZulipEmail == "" {
		errs = append(errs, errors.New("notification.zulip_email is empty"))
	}

	if c.Notification.Stream == "" || c.Notification.Topic == "" {
		errs = append(errs, errors.New("notification.stream and notification.topic must be set"))
	}

	switch c.Notification.DedupSource {
	case DedupSourceChannel:
	case DedupSourceState:
		if c.StateDB == "" {
			errs = append(errs, errors.New("state_db must be set when notification.dedup_source is state"))
		}
	default:
		errs = append(errs, fmt.Errorf("notification.dedup_source: unsupported value %q", c.Notification.DedupSource))
	}

	if (c.Server.HTTPSCertFile == "") != (c.Server.HTTPSKeyFile == "") {
		errs = append(errs, errors.New("server.https_cert_file and server.https_key_file must be set together"))
	}

	return errors.Join(errs...)
}

// RetryTimeoutDuration returns the parsed retry_timeout, 0 if it is unset.
// It is only valid after Validate() succeeded.
func (c *Config) RetryTimeoutDuration() time.Duration {
	return c.retryTimeout
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Marshal writes the configuration in TOML format to writer.
func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
