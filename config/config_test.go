package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xnotify/logstream"
	"github.com/trickstertwo/xnotify/policy"
)

const fileYAML = `
topic: arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications
transport: sns
aws:
  region: ap-southeast-2
  account_id: "722141136946"
remediation:
  kind: lambda
  target: arn:aws:lambda:${aws.region}:${aws.account_id}:function:remediation-agent
filter:
  terms: [ERROR, Exception, Failed, panic]
  case_insensitive: true
timeouts:
  publish: 5s
grants:
  - principal: xnotify-dispatcher
    action: publish
    resource: arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications
  - principal: xnotify/dispatcher
    action: invoke
    resource: arn:aws:lambda:*:722141136946:function:remediation-*
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, RemediationLambda, cfg.Remediation.Kind)
	assert.Equal(t, logstream.DefaultTerms, cfg.Filter.Terms)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Publish)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Forward)
	assert.Equal(t, StoreMemory, cfg.Log.Store)
	assert.Equal(t, logstream.CheckpointLatest, cfg.Log.Checkpoint)
	assert.Equal(t, int64(100000), cfg.Log.MaxLines)
	assert.Equal(t, EngineStatic, cfg.Policy.Engine)
	assert.Empty(t, cfg.Grants)

	// No topic and no remediation target are ever defaulted.
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic is required")
	assert.Contains(t, err.Error(), "remediation.target is required")
}

func TestLoad_FileWithInterpolation(t *testing.T) {
	cfg, err := Load(writeFile(t, "xnotify.yaml", fileYAML))
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:sns:ap-southeast-2:722141136946:user-notifications", cfg.Topic)
	assert.Equal(t, "arn:aws:lambda:ap-southeast-2:722141136946:function:remediation-agent", cfg.Remediation.Target)
	assert.Equal(t, []string{"ERROR", "Exception", "Failed", "panic"}, cfg.Filter.Terms)
	assert.True(t, cfg.Filter.CaseInsensitive)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Publish)
	require.Len(t, cfg.Grants, 2)
	assert.Equal(t, policy.ActionPublish, cfg.Grants[0].Action)
	assert.Equal(t, cfg.Topic, cfg.Grants[0].Resource)

	require.NoError(t, cfg.Validate())

	p, err := cfg.Filter.Pattern()
	require.NoError(t, err)
	assert.True(t, p.Match("PANIC: nil map"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XNOTIFY_TOPIC", "notifications")
	t.Setenv("XNOTIFY_TRANSPORT", "redis-streams")
	t.Setenv("XNOTIFY_REDIS_ADDR", "${REDIS_HOST}:6379")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("XNOTIFY_REMEDIATION_KIND", "webhook")
	t.Setenv("XNOTIFY_REMEDIATION_TARGET", "https://hooks.example.com/remediate")
	t.Setenv("XNOTIFY_FILTER_TERMS", "ERROR,fatal")
	t.Setenv("XNOTIFY_TIMEOUTS_FORWARD", "2s")
	t.Setenv("XNOTIFY_LOG_CHECKPOINT", "1700000000000-0")
	t.Setenv("XNOTIFY_LOG_STORE", "redis")
	t.Setenv("XNOTIFY_LOG_MAX_LINES", "5000")
	t.Setenv("XNOTIFY_GRANTS", `[{"principal":"xnotify-dispatcher","action":"publish","resource":"notifications"}]`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "notifications", cfg.Topic)
	assert.Equal(t, TransportRedisStreams, cfg.Transport)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, RemediationWebhook, cfg.Remediation.Kind)
	assert.Equal(t, []string{"ERROR", "fatal"}, cfg.Filter.Terms)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Forward)
	assert.Equal(t, "1700000000000-0", cfg.Log.Checkpoint)
	assert.Equal(t, int64(5000), cfg.Log.MaxLines)
	require.Len(t, cfg.Grants, 1)
	assert.Equal(t, "notifications", cfg.Grants[0].Resource)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FilterTermsKeepWhitespace(t *testing.T) {
	body := `
filter:
  terms: [" Failed", "", "ERROR "]
`
	cfg, err := Load(writeFile(t, "xnotify.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, []string{" Failed", "ERROR "}, cfg.Filter.Terms)

	p, err := cfg.Filter.Pattern()
	require.NoError(t, err)
	assert.True(t, p.Match("Publish Failed: timeout"))
	assert.False(t, p.Match("Failed: timeout"))
}

func TestLoad_DotEnv(t *testing.T) {
	// godotenv never overrides variables already present; clear the key
	// through t.Setenv so it is restored afterwards.
	t.Setenv("XNOTIFY_TOPIC", "")
	require.NoError(t, os.Unsetenv("XNOTIFY_TOPIC"))

	env := writeFile(t, ".env", "XNOTIFY_TOPIC=from-dotenv\n")
	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Topic)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	t.Setenv("XNOTIFY_GRANTS", "not json")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate_UnresolvedPlaceholders(t *testing.T) {
	// No region or account configured: the pseudo parameters stay in place.
	body := `
topic: arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications
remediation:
  target: arn:aws:lambda:{{region}}:722141136946:function:remediation-agent
`
	cfg, err := Load(writeFile(t, "xnotify.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications", cfg.Topic)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrUnresolved)
	assert.Contains(t, err.Error(), "topic")
	assert.Contains(t, err.Error(), "remediation.target")
}

func valid() Config {
	return Config{
		Topic:       "notifications",
		Transport:   TransportMemory,
		Principal:   "xnotify-dispatcher",
		Remediation: Remediation{Kind: RemediationLambda, Target: "arn:aws:lambda:eu-west-1:123456789012:function:fix"},
		Filter:      Filter{Terms: []string{"ERROR"}},
		Timeouts:    Timeouts{Publish: time.Second, Forward: time.Second},
		Log:         Log{Store: StoreMemory, Source: "dispatcher", FailureSource: "escalation"},
		Policy:      Policy{Engine: EngineStatic},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport = "kafka" }, "unknown transport"},
		{"redis without addr", func(c *Config) { c.Transport = TransportRedisStreams }, "redis.addr is required"},
		{"nats without url", func(c *Config) { c.Transport = TransportNATS }, "nats.url is required"},
		{"redis log store without addr", func(c *Config) { c.Log.Store = StoreRedis }, "redis.addr is required"},
		{"unknown remediation", func(c *Config) { c.Remediation.Kind = "email" }, "unknown remediation.kind"},
		{"empty terms", func(c *Config) { c.Filter.Terms = nil }, "filter.terms"},
		{"zero publish timeout", func(c *Config) { c.Timeouts.Publish = 0 }, "timeouts.publish"},
		{"negative forward timeout", func(c *Config) { c.Timeouts.Forward = -time.Second }, "timeouts.forward"},
		{"shared log source", func(c *Config) { c.Log.FailureSource = c.Log.Source }, "must differ"},
		{"memory checkpoint offset", func(c *Config) { c.Log.Checkpoint = "42" }, ""},
		{"memory checkpoint not an offset", func(c *Config) { c.Log.Checkpoint = "1700000000000-0" }, "not a line offset"},
		{"redis checkpoint stream id", func(c *Config) {
			c.Log.Store, c.Redis.Addr, c.Log.Checkpoint = StoreRedis, "127.0.0.1:6379", "1700000000000-3"
		}, ""},
		{"redis checkpoint garbage", func(c *Config) {
			c.Log.Store, c.Redis.Addr, c.Log.Checkpoint = StoreRedis, "127.0.0.1:6379", "yesterday"
		}, "not a stream id"},
		{"negative max lines", func(c *Config) { c.Log.MaxLines = -1 }, "log.max_lines"},
		{"unknown engine", func(c *Config) { c.Policy.Engine = "cedar" }, "policy.engine"},
		{"unclosed topic placeholder", func(c *Config) {
			c.Topic = "arn:aws:sns:${AWS::Region:123456789012:user-notifications"
		}, "unresolved placeholder"},
		{"blanket single wildcard grant", func(c *Config) {
			c.Grants = []policy.Grant{{Principal: "p", Action: policy.ActionInvoke, Resource: "?*"}}
		}, "blanket"},
		{"blanket grant", func(c *Config) {
			c.Grants = []policy.Grant{{Principal: "p", Action: policy.ActionPublish, Resource: "*"}}
		}, "blanket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
