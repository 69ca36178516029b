// Package router classifies request paths against the configured proxy
// rules.
package router

import (
	"strings"

	"asset-edge/internal/model"
)

// Router holds an ordered, read-only rule set. It is safe for concurrent use.
type Router struct {
	rules []model.ProxyRule
}

// New creates a Router. Rule order is significant: the first matching rule
// wins.
func New(rules []model.ProxyRule) *Router {
	return &Router{rules: append([]model.ProxyRule(nil), rules...)}
}

// Rules returns the number of configured rules.
func (r *Router) Rules() int {
	return len(r.rules)
}

// Match returns the first rule with a prefix matching path.
func (r *Router) Match(path string) (model.ProxyRule, bool) {
	for _, rule := range r.rules {
		for _, prefix := range rule.MatchPrefixes {
			if strings.HasPrefix(path, prefix) {
				return rule, true
			}
		}
	}
	return model.ProxyRule{}, false
}

// LocalLookup resolves path against the static root and reports whether a
// servable file exists there.
type LocalLookup func(path string) (model.ResolvedPath, bool)

// Classify decides how path should be handled. Files present locally always
// take precedence over proxy rules.
func (r *Router) Classify(path string, local LocalLookup) model.RouteDecision {
	resolved, ok := local(path)
	if ok {
		return model.RouteDecision{Kind: model.RouteLocalFile, Resolved: resolved}
	}

	rule, ok := r.Match(path)
	if !ok {
		return model.RouteDecision{Kind: model.RouteNotFound, Resolved: resolved}
	}

	rewritten := path
	if rule.PathRewrite != nil {
		rewritten = rule.PathRewrite(path)
	}
	return model.RouteDecision{
		Kind:           model.RouteProxy,
		TargetID:       rule.TargetID,
		RewrittenPath:  rewritten,
		AllowWebsocket: rule.AllowWebsocketUpgrade,
		PathRewrite:    rule.PathRewrite,
	}
}

// PrefixRewrite returns a rewrite that replaces the first of prefixes found
// at the start of a path with replacement. The result always starts with "/".
func PrefixRewrite(prefixes []string, replacement string) func(string) string {
	ps := append([]string(nil), prefixes...)
	return func(path string) string {
		for _, p := range ps {
			if strings.HasPrefix(path, p) {
				out := replacement + strings.TrimPrefix(path, p)
				if !strings.HasPrefix(out, "/") {
					out = "/" + out
				}
				return out
			}
		}
		return path
	}
}
