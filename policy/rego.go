package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultModule evaluates the grant set with the same semantics as Guard:
// exact principal and action, resource matched by glob.match with no
// delimiters (null), against the pattern Guard compiles.
const DefaultModule = `package xnotify.authz

default allow = false

allow {
	some i
	g := input.grants[i]
	g.principal == input.principal
	g.action == input.action
	glob.match(g.resource_glob, null, input.resource)
}
`

const defaultQuery = "data.xnotify.authz.allow"

var ErrBadModule = errors.New("policy: rego module must not be empty")

// RegoGuard evaluates grants with an OPA Rego module. The fail-closed checks
// on placeholders and wildcards run before the module is consulted, so a
// custom module cannot widen them.
type RegoGuard struct {
	query rego.PreparedEvalQuery

	mu     sync.RWMutex
	grants []regoGrant
}

type regoGrant struct {
	Principal    string `json:"principal"`
	Action       string `json:"action"`
	Resource     string `json:"resource"`
	ResourceGlob string `json:"resource_glob"`
}

// NewRegoGuard compiles module (DefaultModule when empty) and loads grants.
// The module must define data.xnotify.authz.allow.
func NewRegoGuard(ctx context.Context, module string, grants ...Grant) (*RegoGuard, error) {
	if module == "" {
		module = DefaultModule
	}
	if strings.TrimSpace(module) == "" {
		return nil, ErrBadModule
	}
	pq, err := rego.New(
		rego.Module("xnotify_authz.rego", module),
		rego.Query(defaultQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	g := &RegoGuard{query: pq}
	for _, gr := range grants {
		if err := g.Add(gr); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add appends a grant after the same validation Guard applies.
func (g *RegoGuard) Add(gr Grant) error {
	if err := gr.Validate(); err != nil {
		return err
	}
	if _, err := compilePattern(gr.Resource); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidGrant, gr, err)
	}
	g.mu.Lock()
	g.grants = append(g.grants, regoGrant{
		Principal:    gr.Principal,
		Action:       string(gr.Action),
		Resource:     gr.Resource,
		ResourceGlob: globPattern(gr.Resource),
	})
	g.mu.Unlock()
	return nil
}

// Authorize evaluates the module. Evaluation errors deny.
func (g *RegoGuard) Authorize(principal string, action Action, resource string) bool {
	if principal == "" || Unresolved(principal) || !Concrete(resource) {
		return false
	}

	g.mu.RLock()
	grants := make([]any, len(g.grants))
	for i, gr := range g.grants {
		grants[i] = map[string]any{
			"principal":     gr.Principal,
			"action":        gr.Action,
			"resource":      gr.Resource,
			"resource_glob": gr.ResourceGlob,
		}
	}
	g.mu.RUnlock()

	input := map[string]any{
		"principal": principal,
		"action":    string(action),
		"resource":  resource,
		"grants":    grants,
	}
	rs, err := g.query.Eval(context.Background(), rego.EvalInput(input))
	if err != nil {
		return false
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allow
}
