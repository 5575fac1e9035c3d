// Package policy holds least-privilege permission grants and answers whether
// a principal may perform an action on a resource identifier.
//
// Grants are additive; there is no explicit deny and no runtime revocation.
// Anything that cannot be resolved to a concrete identifier fails closed.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/gobwas/glob"
)

// Action is the verb a grant allows.
type Action string

const (
	ActionPublish Action = "publish"
	ActionInvoke  Action = "invoke"
)

// Grant allows Principal to perform Action on Resource. Resource is either a
// concrete identifier or a pattern where '*' matches any run of characters
// and '?' matches exactly one.
type Grant struct {
	Principal string `json:"principal" mapstructure:"principal" yaml:"principal"`
	Action    Action `json:"action" mapstructure:"action" yaml:"action"`
	Resource  string `json:"resource" mapstructure:"resource" yaml:"resource"`
}

func (g Grant) String() string {
	return fmt.Sprintf("%s:%s:%s", g.Principal, g.Action, g.Resource)
}

var (
	ErrUnresolved   = errors.New("policy: unresolved placeholder")
	ErrBlanketGrant = errors.New("policy: blanket grant not allowed")
	ErrInvalidGrant = errors.New("policy: invalid grant")
)

// placeholderRe also matches an opening "${" or "{{" that is never closed:
// a half-substituted identifier is still unresolved.
var placeholderRe = regexp.MustCompile(`\$\{[^}]*\}?|\{\{[^}]*(?:\}\})?`)

// Unresolved reports whether s still carries a template placeholder such as
// ${AWS::Region} or {{account}}, closed or not.
func Unresolved(s string) bool {
	return placeholderRe.MatchString(s)
}

// Placeholders lists every placeholder token found in s.
func Placeholders(s string) []string {
	return placeholderRe.FindAllString(s, -1)
}

// Validate checks that a grant is concrete enough to be enforced.
func (g Grant) Validate() error {
	switch {
	case g.Principal == "" || g.Action == "" || g.Resource == "":
		return fmt.Errorf("%w: %s: principal, action and resource are required", ErrInvalidGrant, g)
	case Unresolved(g.Principal) || Unresolved(g.Resource):
		return fmt.Errorf("%w: %s", ErrUnresolved, g)
	case g.Principal == "*" || strings.Trim(g.Resource, "*?") == "":
		return fmt.Errorf("%w: %s", ErrBlanketGrant, g)
	}
	if err := validateARN(g.Resource); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidGrant, g, err)
	}
	return nil
}

// validateARN parses ARN-shaped identifiers so typos in partition, service
// or section count are caught at load time instead of silently never matching.
func validateARN(s string) error {
	if !arn.IsARN(s) {
		if strings.HasPrefix(s, "arn:") {
			return fmt.Errorf("malformed arn %q", s)
		}
		return nil
	}
	_, err := arn.Parse(s)
	return err
}

// Concrete reports whether a request resource is a usable identifier:
// non-empty, no placeholders, no wildcards.
func Concrete(resource string) bool {
	if resource == "" || Unresolved(resource) {
		return false
	}
	if strings.ContainsAny(resource, "*?") {
		return false
	}
	return validateARN(resource) == nil
}

// Guard enforces a set of grants. Safe for concurrent use.
type Guard struct {
	mu     sync.RWMutex
	grants []compiledGrant
}

type compiledGrant struct {
	Grant
	resource glob.Glob
}

// NewGuard builds a guard from grants, failing fast on the first grant that
// cannot be enforced.
func NewGuard(grants ...Grant) (*Guard, error) {
	g := &Guard{}
	for _, gr := range grants {
		if err := g.Add(gr); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add appends a grant. Grants are additive only.
func (g *Guard) Add(gr Grant) error {
	if err := gr.Validate(); err != nil {
		return err
	}
	pat, err := compilePattern(gr.Resource)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidGrant, gr, err)
	}
	g.mu.Lock()
	g.grants = append(g.grants, compiledGrant{Grant: gr, resource: pat})
	g.mu.Unlock()
	return nil
}

// Grants returns a copy of the current grant set.
func (g *Guard) Grants() []Grant {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Grant, len(g.grants))
	for i, gr := range g.grants {
		out[i] = gr.Grant
	}
	return out
}

// Authorize reports whether principal may perform action on resource.
func (g *Guard) Authorize(principal string, action Action, resource string) bool {
	if principal == "" || Unresolved(principal) || !Concrete(resource) {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, gr := range g.grants {
		if gr.Principal == principal && gr.Action == action && gr.resource.Match(resource) {
			return true
		}
	}
	return false
}

// Match reports whether resource satisfies pattern. '*' matches any run of
// characters (including ':' and '/'), '?' matches exactly one character.
func Match(pattern, resource string) bool {
	g, err := compilePattern(pattern)
	return err == nil && g.Match(resource)
}

// globPattern rewrites a grant resource into glob syntax. Only '*' and '?'
// are wildcards; brackets, braces and backslashes stay literal.
func globPattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?':
			b.WriteRune(r)
		default:
			b.WriteString(glob.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// compilePattern compiles without separators so '*' crosses ':' and '/'.
func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(globPattern(pattern))
}
