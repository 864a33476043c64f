package core

// AuthProvider describes one accepted token issuer for a Service: its
// issuer URL, a provider id used to key audience policy, and an optional
// pre-configured JWKS URI (OpenID discovery is used when absent).
type AuthProvider struct {
	Issuer     string
	ProviderID string
	JWKSURI    string // optional; discovered via OpenID Connect when empty
}

// HTTPRule binds an HTTP verb and URL template to a method selector.
type HTTPRule struct {
	Selector string
	Verb     string
	Template string
}

// ReportingRule names the logs, metrics, and labels a Service wants
// attached to operations it reports.
type ReportingRule struct {
	Logs    []string
	Metrics []string
	Labels  []string
}

// QuotaMethodBinding maps a method selector to its per-metric integer
// costs.
type QuotaMethodBinding struct {
	Selector string
	Costs    map[string]int64
}

// Service is the immutable configuration for a single managed service,
// loaded once at startup and refreshed periodically (at most every 10
// minutes) by an external ServiceSource. Method descriptors are derived
// from it once and are immutable thereafter.
type Service struct {
	Name      string
	Providers []AuthProvider
	HTTPRules []HTTPRule
	Reporting []ReportingRule
	Quota     []QuotaMethodBinding
}

// AuthPolicy maps provider id to the set of audiences it accepts for one
// method.
type AuthPolicy map[string]map[string]struct{}

// Allows reports whether providerID is permitted by this policy. A nil or
// empty policy permits every provider (no auth restriction configured).
func (p AuthPolicy) Allows(providerID string) bool {
	if len(p) == 0 {
		return true
	}
	_, ok := p[providerID]
	return ok
}

// AudiencesFor returns the accepted-audience set for providerID, or nil if
// the provider has no audience restriction recorded.
func (p AuthPolicy) AudiencesFor(providerID string) map[string]struct{} {
	return p[providerID]
}

// Info is a method descriptor: selector, optional auth policy, and quota
// policy (metric name -> integer cost). Derived once from a Service on
// load and immutable thereafter.
type Info struct {
	Selector   string
	AuthPolicy AuthPolicy // nil if the method requires no specific provider/audience restriction
	HasAuth    bool
	QuotaCosts map[string]int64
}
