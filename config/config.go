// Package config loads service configuration from an optional YAML file,
// .env files and XNOTIFY_* environment variables.
//
// Identities (topic, remediation target, grant resources) are always
// injected. A value may reference ${VAR}: it is resolved from other loaded
// keys, the CloudFormation pseudo parameters ${AWS::Region} and
// ${AWS::AccountId}, or the process environment. Anything left unresolved
// fails Validate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/trickstertwo/xnotify/logstream"
	"github.com/trickstertwo/xnotify/policy"
)

// EnvPrefix is prepended to every environment key: redis.addr is read from
// XNOTIFY_REDIS_ADDR.
const EnvPrefix = "XNOTIFY"

// Transport kinds.
const (
	TransportMemory       = "memory"
	TransportRedisStreams = "redis-streams"
	TransportSNS          = "sns"
	TransportNATS         = "nats"
)

// Remediation kinds.
const (
	RemediationLambda  = "lambda"
	RemediationWebhook = "webhook"
)

// Log store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Policy engines.
const (
	EngineStatic = "static"
	EngineRego   = "rego"
)

type Config struct {
	Topic     string `mapstructure:"topic"`
	Transport string `mapstructure:"transport"`
	// Principal is the identity the dispatcher publishes as.
	Principal string `mapstructure:"principal"`

	Redis       Redis          `mapstructure:"redis"`
	NATS        NATS           `mapstructure:"nats"`
	AWS         AWS            `mapstructure:"aws"`
	Remediation Remediation    `mapstructure:"remediation"`
	Filter      Filter         `mapstructure:"filter"`
	Timeouts    Timeouts       `mapstructure:"timeouts"`
	Log         Log            `mapstructure:"log"`
	HTTP        HTTP           `mapstructure:"http"`
	Policy      Policy         `mapstructure:"policy"`
	Grants      []policy.Grant `mapstructure:"grants"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

type AWS struct {
	Region    string `mapstructure:"region"`
	AccountID string `mapstructure:"account_id"`
	// Endpoint overrides the service endpoint (localstack and the like).
	Endpoint string `mapstructure:"endpoint"`
}

type Remediation struct {
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
}

type Filter struct {
	Terms           []string `mapstructure:"terms"`
	CaseInsensitive bool     `mapstructure:"case_insensitive"`
}

// Pattern builds the matcher pattern from the filter settings.
func (f Filter) Pattern() (logstream.Pattern, error) {
	return logstream.NewPattern(f.Terms, f.CaseInsensitive)
}

type Timeouts struct {
	Publish time.Duration `mapstructure:"publish"`
	Forward time.Duration `mapstructure:"forward"`
}

type Log struct {
	Store string `mapstructure:"store"`
	// Source is the log stream the dispatcher writes to and the matcher reads.
	Source string `mapstructure:"source"`
	// FailureSource identifies the forwarder on its failure lines.
	FailureSource string `mapstructure:"failure_source"`
	// Checkpoint is where the matcher starts reading: "$" for new lines
	// only, "0" for everything retained, or a checkpoint logged by a
	// previous run.
	Checkpoint string `mapstructure:"checkpoint"`
	// MaxLines bounds each source's retained lines (approximately, for
	// Redis). Zero keeps everything.
	MaxLines int64 `mapstructure:"max_lines"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Policy struct {
	Engine string `mapstructure:"engine"`
	// Module is a path to a Rego module; empty selects the built-in one.
	Module string `mapstructure:"module"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("topic", "")
	v.SetDefault("transport", TransportMemory)
	v.SetDefault("principal", "xnotify-dispatcher")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.account_id", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("remediation.kind", RemediationLambda)
	v.SetDefault("remediation.target", "")
	v.SetDefault("filter.terms", logstream.DefaultTerms)
	v.SetDefault("filter.case_insensitive", false)
	v.SetDefault("timeouts.publish", 30*time.Second)
	v.SetDefault("timeouts.forward", 30*time.Second)
	v.SetDefault("log.store", StoreMemory)
	v.SetDefault("log.source", "xnotify/dispatcher")
	v.SetDefault("log.failure_source", "xnotify/escalation")
	v.SetDefault("log.checkpoint", logstream.CheckpointLatest)
	v.SetDefault("log.max_lines", 100000)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("policy.engine", EngineStatic)
	v.SetDefault("policy.module", "")
	v.SetDefault("grants", []any{})
}

// Load reads file (optional; YAML) and envFiles (missing ones are skipped),
// then applies XNOTIFY_* overrides and resolves references. It does not
// validate.
func Load(file string, envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	// XNOTIFY_GRANTS carries a JSON array.
	if s, ok := v.Get("grants").(string); ok {
		var grants []policy.Grant
		if strings.TrimSpace(s) != "" {
			if err := json.Unmarshal([]byte(s), &grants); err != nil {
				return Config{}, fmt.Errorf("config: grants: %w", err)
			}
		}
		v.Set("grants", grants)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Filter.Terms = compact(cfg.Filter.Terms)
	cfg.interpolate(v)
	return cfg, nil
}

var refRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate resolves ${...} references in identity fields. Unknown
// references are left in place for Validate to report.
func (c *Config) interpolate(v *viper.Viper) {
	lookup := func(name string) (string, bool) {
		switch name {
		case "AWS::Region":
			return c.AWS.Region, c.AWS.Region != ""
		case "AWS::AccountId":
			return c.AWS.AccountID, c.AWS.AccountID != ""
		}
		if key := strings.ToLower(name); v.IsSet(key) {
			if s := v.GetString(key); s != "" && !strings.Contains(s, "${") {
				return s, true
			}
		}
		return os.LookupEnv(name)
	}
	expand := func(s string) string {
		return refRe.ReplaceAllStringFunc(s, func(m string) string {
			if val, ok := lookup(refRe.FindStringSubmatch(m)[1]); ok {
				return val
			}
			return m
		})
	}

	fields := []*string{
		&c.Topic, &c.Principal,
		&c.Redis.Addr, &c.NATS.URL, &c.AWS.Endpoint,
		&c.Remediation.Target,
		&c.Log.Source, &c.Log.FailureSource,
		&c.Policy.Module,
	}
	for _, f := range fields {
		*f = expand(*f)
	}
	for i := range c.Grants {
		c.Grants[i].Principal = expand(c.Grants[i].Principal)
		c.Grants[i].Resource = expand(c.Grants[i].Resource)
	}
}

// Validate reports every problem at once so a deployment fails fast with the
// whole list.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	unresolved := func(key, val string) {
		if policy.Unresolved(val) {
			add("config: %s %q: %w", key, val, policy.ErrUnresolved)
		}
	}

	if c.Topic == "" {
		add("config: topic is required")
	}
	unresolved("topic", c.Topic)
	if c.Principal == "" {
		add("config: principal is required")
	}
	unresolved("principal", c.Principal)

	switch c.Transport {
	case TransportMemory, TransportSNS:
	case TransportRedisStreams:
		if c.Redis.Addr == "" {
			add("config: redis.addr is required for transport %q", c.Transport)
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			add("config: nats.url is required for transport %q", c.Transport)
		}
	default:
		add("config: unknown transport %q", c.Transport)
	}
	unresolved("redis.addr", c.Redis.Addr)
	unresolved("nats.url", c.NATS.URL)

	switch c.Remediation.Kind {
	case RemediationLambda, RemediationWebhook:
	default:
		add("config: unknown remediation.kind %q", c.Remediation.Kind)
	}
	if c.Remediation.Target == "" {
		add("config: remediation.target is required")
	}
	unresolved("remediation.target", c.Remediation.Target)

	if len(c.Filter.Terms) == 0 {
		add("config: filter.terms must not be empty")
	}
	if c.Timeouts.Publish <= 0 {
		add("config: timeouts.publish must be positive, got %v", c.Timeouts.Publish)
	}
	if c.Timeouts.Forward <= 0 {
		add("config: timeouts.forward must be positive, got %v", c.Timeouts.Forward)
	}

	switch c.Log.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			add("config: redis.addr is required for log.store %q", c.Log.Store)
		}
	default:
		add("config: unknown log.store %q", c.Log.Store)
	}
	if c.Log.Source == "" || c.Log.FailureSource == "" {
		add("config: log.source and log.failure_source are required")
	}
	if c.Log.Source == c.Log.FailureSource && c.Log.Source != "" {
		add("config: log.failure_source must differ from log.source")
	}
	if err := validCheckpoint(c.Log.Store, c.Log.Checkpoint); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxLines < 0 {
		add("config: log.max_lines must not be negative, got %d", c.Log.MaxLines)
	}
	unresolved("log.source", c.Log.Source)
	unresolved("log.failure_source", c.Log.FailureSource)

	if !slices.Contains([]string{EngineStatic, EngineRego}, c.Policy.Engine) {
		add("config: unknown policy.engine %q", c.Policy.Engine)
	}
	for _, g := range c.Grants {
		if err := g.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: grant: %w", err))
		}
	}
	return errors.Join(errs...)
}

var streamIDRe = regexp.MustCompile(`^\d+(-\d+)?$`)

// validCheckpoint accepts the tail marker, or a position in the format the
// store hands out: a line offset in memory, a stream id in Redis.
func validCheckpoint(store, cp string) error {
	if cp == "" || cp == logstream.CheckpointLatest {
		return nil
	}
	switch store {
	case StoreMemory:
		if n, err := strconv.Atoi(cp); err != nil || n < 0 {
			return fmt.Errorf("config: log.checkpoint %q is not a line offset", cp)
		}
	case StoreRedis:
		if !streamIDRe.MatchString(cp) {
			return fmt.Errorf("config: log.checkpoint %q is not a stream id", cp)
		}
	}
	return nil
}

// compact drops empty terms. Whitespace is kept: " Failed" is a different
// substring from "Failed".
func compact(terms []string) []string {
	out := terms[:0:0]
	for _, t := range terms {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
