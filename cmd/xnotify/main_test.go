package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/policy"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "xnotify.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const validConfig = `
topic: notifications
principal: dispatcher
remediation:
  kind: webhook
  target: https://hooks.example.com/remediate
redis:
  password: hunter2
grants:
  - principal: dispatcher
    action: publish
    resource: notifications
`

func TestConfigCheck(t *testing.T) {
	out, err := run(t, "config", "check", "--show", "--env-file", "", "-c", writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok: topic=notifications transport=memory")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigCheck_Unresolved(t *testing.T) {
	body := `
topic: arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications
remediation:
  target: https://hooks.example.com/remediate
`
	_, err := run(t, "config", "check", "--env-file", "", "-c", writeConfig(t, body))
	assert.ErrorIs(t, err, policy.ErrUnresolved)
}

func TestSubmit_MemoryTransport(t *testing.T) {
	out, err := run(t, "submit", "--env-file", "", "-c", writeConfig(t, validConfig), "--subject", "Disk", "--message", "disk full")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "success"`)
}

func TestSubmit_MissingGrant(t *testing.T) {
	body := `
topic: notifications
remediation:
  kind: webhook
  target: https://hooks.example.com/remediate
`
	_, err := run(t, "submit", "--env-file", "", "-c", writeConfig(t, body), "--message", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, xnotify.ErrUnauthorized)
	assert.Contains(t, err.Error(), "retryable: false")
}

func TestBuildEvent(t *testing.T) {
	ev, err := buildEvent(`{"subject":"A","message":"B","host":"db-1"}`, "Override", "", true, false)
	require.NoError(t, err)
	assert.Equal(t, "Override", ev.Subject())
	assert.Equal(t, "B", ev.Body())
	assert.Equal(t, "db-1", ev["host"])

	ev, err = buildEvent("", "", "", false, false)
	require.NoError(t, err)
	assert.Equal(t, "Notification", ev.Subject())

	_, err = buildEvent(`null`, "", "", false, false)
	assert.ErrorIs(t, err, xnotify.ErrMalformed)
	_, err = buildEvent(`[1]`, "", "", false, false)
	assert.ErrorIs(t, err, xnotify.ErrMalformed)
}

func TestMatch_RejectsBadFrom(t *testing.T) {
	_, err := run(t, "match", "--env-file", "", "-c", writeConfig(t, validConfig), "--from", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a line offset")
}
