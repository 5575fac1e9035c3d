package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	topicARN  = "arn:aws:sns:ap-southeast-2:722141136946:user-notifications"
	lambdaARN = "arn:aws:lambda:ap-southeast-2:722141136946:function:remediation-agent"
)

func TestGuard_ExactGrant(t *testing.T) {
	g, err := NewGuard(Grant{Principal: "dispatcher", Action: ActionPublish, Resource: topicARN})
	require.NoError(t, err)

	assert.True(t, g.Authorize("dispatcher", ActionPublish, topicARN))
	assert.False(t, g.Authorize("dispatcher", ActionInvoke, topicARN), "action is part of the grant")
	assert.False(t, g.Authorize("someone-else", ActionPublish, topicARN))
	assert.False(t, g.Authorize("dispatcher", ActionPublish, topicARN+"-other"))
}

func TestGuard_PatternGrant(t *testing.T) {
	g, err := NewGuard(Grant{
		Principal: "logs:dispatcher",
		Action:    ActionInvoke,
		Resource:  "arn:aws:lambda:*:722141136946:function:remediation-*",
	})
	require.NoError(t, err)

	assert.True(t, g.Authorize("logs:dispatcher", ActionInvoke, lambdaARN))
	assert.False(t, g.Authorize("logs:dispatcher", ActionInvoke, "arn:aws:lambda:us-east-1:111111111111:function:remediation-agent"))
}

func TestGuard_UnresolvedResourceFailsClosed(t *testing.T) {
	g, err := NewGuard(Grant{Principal: "dispatcher", Action: ActionPublish, Resource: "arn:aws:sns:*:*:user-notifications"})
	require.NoError(t, err)

	assert.False(t, g.Authorize("dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region}:${AWS::AccountId}:user-notifications"))
	assert.False(t, g.Authorize("dispatcher", ActionPublish, "arn:aws:sns:{{region}}:123456789012:user-notifications"))
	assert.False(t, g.Authorize("dispatcher", ActionPublish, "arn:aws:sns:*:*:user-notifications"), "wildcard request is unbound")
	assert.False(t, g.Authorize("dispatcher", ActionPublish, ""))
	assert.False(t, g.Authorize("dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region:123456789012:user-notifications"), "unclosed placeholder")
}

func TestUnresolved(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"arn:aws:sns:ap-southeast-2:722141136946:user-notifications", false},
		{"arn:aws:sns:${AWS::Region}:1:t", true},
		{"arn:aws:sns:${AWS::Region:123456789012:user-notifications", true},
		{"arn:aws:sns:{{region}}:1:t", true},
		{"arn:aws:sns:{{region:1:t", true},
		{"https://hooks.example.com/${", true},
		{"https://hooks.example.com/{path}", false},
		{"$AWS_REGION", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Unresolved(tc.in), tc.in)
	}
	assert.Equal(t, []string{"${AWS::Region:123456789012:user-notifications"},
		Placeholders("arn:aws:sns:${AWS::Region:123456789012:user-notifications"))
}

func TestGrant_Validate(t *testing.T) {
	cases := []struct {
		name  string
		grant Grant
		want  error
	}{
		{"placeholder resource", Grant{"dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region}:1:t"}, ErrUnresolved},
		{"unclosed placeholder resource", Grant{"dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region:123456789012:user-notifications"}, ErrUnresolved},
		{"unclosed template resource", Grant{"dispatcher", ActionPublish, "arn:aws:sns:{{region:1:t"}, ErrUnresolved},
		{"placeholder principal", Grant{"${Principal}", ActionPublish, "topic"}, ErrUnresolved},
		{"blanket resource", Grant{"dispatcher", ActionPublish, "*"}, ErrBlanketGrant},
		{"blanket single wildcard", Grant{"dispatcher", ActionInvoke, "?*"}, ErrBlanketGrant},
		{"blanket star then single", Grant{"dispatcher", ActionInvoke, "*?"}, ErrBlanketGrant},
		{"blanket singles", Grant{"dispatcher", ActionInvoke, "???"}, ErrBlanketGrant},
		{"blanket principal", Grant{"*", ActionPublish, "topic"}, ErrBlanketGrant},
		{"missing action", Grant{"dispatcher", "", "topic"}, ErrInvalidGrant},
		{"malformed arn", Grant{"dispatcher", ActionPublish, "arn:aws:sns"}, ErrInvalidGrant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGuard(tc.grant)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGuard_AdditiveGrants(t *testing.T) {
	g, err := NewGuard()
	require.NoError(t, err)
	assert.False(t, g.Authorize("dispatcher", ActionPublish, "orders"))

	require.NoError(t, g.Add(Grant{Principal: "dispatcher", Action: ActionPublish, Resource: "orders"}))
	assert.True(t, g.Authorize("dispatcher", ActionPublish, "orders"))
	assert.Len(t, g.Grants(), 1)
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, resource string
		want              bool
	}{
		{"orders", "orders", true},
		{"orders", "orders2", false},
		{"orders-*", "orders-eu", true},
		{"orders-*", "orders-", true},
		{"*-dlq", "payments-dlq", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"arn:aws:sns:*:1:t", "arn:aws:sns:eu-west-1:1:t", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"a?c", "aéc", true},
		{"a*c", "a\nc", true},
		{"q[1]", "q[1]", true},
		{"q[1]", "q1", false},
		{"{a,b}", "{a,b}", true},
		{"{a,b}", "a", false},
		{`a\*`, `a\xyz`, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.resource), "%s ~ %s", tc.pattern, tc.resource)
	}
}

func TestUnresolved_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-z:0-9-]{0,20}`).Draw(t, "prefix")
		name := rapid.StringMatching(`[A-Za-z:]{1,15}`).Draw(t, "name")
		suffix := rapid.StringMatching(`[a-z:0-9-]{0,20}`).Draw(t, "suffix")
		resource := fmt.Sprintf("%s${%s}%s", prefix, name, suffix)

		if !Unresolved(resource) {
			t.Fatalf("placeholder not detected in %q", resource)
		}

		g, err := NewGuard(Grant{Principal: "p", Action: ActionInvoke, Resource: prefix + "*" + suffix + "x"})
		if err != nil {
			return
		}
		if g.Authorize("p", ActionInvoke, resource) {
			t.Fatalf("unresolved resource %q was authorized", resource)
		}
	})
}

func TestRegoGuard_MatchesGuardSemantics(t *testing.T) {
	grants := []Grant{
		{Principal: "dispatcher", Action: ActionPublish, Resource: topicARN},
		{Principal: "logs:dispatcher", Action: ActionInvoke, Resource: "arn:aws:lambda:*:722141136946:function:remediation-*"},
		{Principal: "webhook", Action: ActionInvoke, Resource: "https://hooks.example.com/?"},
		{Principal: "brackets", Action: ActionInvoke, Resource: "queue[1]"},
	}
	rg, err := NewRegoGuard(context.Background(), "", grants...)
	require.NoError(t, err)
	g, err := NewGuard(grants...)
	require.NoError(t, err)

	requests := []struct {
		principal string
		action    Action
		resource  string
	}{
		{"dispatcher", ActionPublish, topicARN},
		{"dispatcher", ActionInvoke, topicARN},
		{"logs:dispatcher", ActionInvoke, lambdaARN},
		{"logs:dispatcher", ActionInvoke, "arn:aws:lambda:eu-west-1:000000000000:function:remediation-agent"},
		{"dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region}:722141136946:user-notifications"},
		{"dispatcher", ActionPublish, "arn:aws:sns:${AWS::Region:722141136946:user-notifications"},
		{"webhook", ActionInvoke, "https://hooks.example.com/fix"},
		{"webhook", ActionInvoke, "https://hooks.example.com/é"},
		{"webhook", ActionInvoke, "https://hooks.example.com/\n"},
		{"webhook", ActionInvoke, "https://hooks.example.com/"},
		{"webhook", ActionInvoke, "https://hooks.example.com.evil/x"},
		{"brackets", ActionInvoke, "queue[1]"},
		{"brackets", ActionInvoke, "queue1"},
	}
	for _, r := range requests {
		assert.Equal(t, g.Authorize(r.principal, r.action, r.resource), rg.Authorize(r.principal, r.action, r.resource),
			"%s %s %s", r.principal, r.action, r.resource)
	}
}

func TestBlanketGrant_NeverAuthorizesArbitraryTargets(t *testing.T) {
	_, err := NewGuard(Grant{Principal: "svc", Action: ActionInvoke, Resource: "?*"})
	require.ErrorIs(t, err, ErrBlanketGrant)

	_, err = NewRegoGuard(context.Background(), "", Grant{Principal: "svc", Action: ActionInvoke, Resource: "*?*"})
	require.ErrorIs(t, err, ErrBlanketGrant)
}

func TestRegoGuard_CustomModuleCannotWidenPlaceholders(t *testing.T) {
	module := `package xnotify.authz

default allow = true
`
	rg, err := NewRegoGuard(context.Background(), module)
	require.NoError(t, err)

	assert.True(t, rg.Authorize("anyone", ActionInvoke, "some-target"))
	assert.False(t, rg.Authorize("anyone", ActionInvoke, "arn:aws:lambda:${Region}:1:function:x"))
}
