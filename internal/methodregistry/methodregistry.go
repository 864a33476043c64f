// Package methodregistry compiles a Service descriptor's HTTP rules into
// matchers once at load time, then maps an incoming (verb, path) pair to
// the method descriptor carrying its auth and quota policies.
package methodregistry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
)

var supportedVerbs = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "HEAD": {},
}

var templateVar = regexp.MustCompile(`\{([^{}]+)\}`)

type compiledRule struct {
	verb    string
	pattern *regexp.Regexp
	varName []string
	info    *core.Info
}

// Registry maps (verb, path) to a method descriptor, compiled once from a
// Service at load time.
type Registry struct {
	rules []compiledRule
}

// New compiles svc's HTTP rules into a Registry. infoFor resolves a rule's
// selector to its derived method descriptor (auth policy, quota costs);
// callers build this map once from the Service's quota bindings and
// provider audience configuration.
func New(svc core.Service, infoFor func(selector string) *core.Info) (*Registry, error) {
	reg := &Registry{}
	for _, rule := range svc.HTTPRules {
		verb := strings.ToUpper(rule.Verb)
		if _, ok := supportedVerbs[verb]; !ok {
			return nil, fmt.Errorf("%w: unsupported HTTP verb %q for selector %q", errs.ErrConfiguration, rule.Verb, rule.Selector)
		}
		pattern, names, err := compileTemplate(rule.Template)
		if err != nil {
			return nil, fmt.Errorf("%w: selector %q: %v", errs.ErrConfiguration, rule.Selector, err)
		}
		info := infoFor(rule.Selector)
		if info == nil {
			info = &core.Info{Selector: rule.Selector}
		}
		reg.rules = append(reg.rules, compiledRule{verb: verb, pattern: pattern, varName: names, info: info})
	}
	return reg, nil
}

// compileTemplate turns a URL template such as "/v1/foo/{bar}/baz" into a
// regexp that (a) ignores a single trailing slash and (b) captures each path
// variable in an unnamed group, returning the variable names in order.
func compileTemplate(template string) (*regexp.Regexp, []string, error) {
	var names []string
	var b strings.Builder
	b.WriteString("^")

	segments := strings.Split(strings.TrimSuffix(template, "/"), "/")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("/")
		}
		if m := templateVar.FindStringSubmatch(seg); m != nil && m[0] == seg {
			names = append(names, m[1])
			b.WriteString(`([^/]+)`)
			continue
		}
		b.WriteString(regexp.QuoteMeta(seg))
	}
	b.WriteString(`/?$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, err
	}
	return re, names, nil
}

// Lookup maps an incoming request's verb and path to its method
// descriptor, or nil if no rule matches.
func (r *Registry) Lookup(verb, path string) *core.Info {
	verb = strings.ToUpper(verb)
	for _, rule := range r.rules {
		if rule.verb != verb {
			continue
		}
		if rule.pattern.MatchString(path) {
			return rule.info
		}
	}
	return nil
}
