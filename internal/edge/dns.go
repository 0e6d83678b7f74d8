package edge

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// NetResolver implements pipeline.CNAMEResolver with the system resolver.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver returns a resolver using Go's built-in DNS client so lookups
// honor the passed context's deadline.
func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: &net.Resolver{PreferGo: true}}
}

// LookupCNAME returns the canonical name for host.
func (r *NetResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	cname, err := r.resolver.LookupCNAME(ctx, host)
	if err != nil {
		return "", fmt.Errorf("lookup cname %s: %w", host, err)
	}
	return cname, nil
}

// Verifier checks that a custom domain's CNAME points at the edge. DNS
// answers carry a trailing dot and arbitrary case; both are normalized before
// comparison.
type Verifier struct {
	resolver interface {
		LookupCNAME(ctx context.Context, host string) (string, error)
	}
	expected string
}

// NewVerifier creates a Verifier expecting the given canonical target,
// e.g. "edge.pagepress.dev".
func NewVerifier(resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}, expected string) *Verifier {
	return &Verifier{resolver: resolver, expected: normalizeName(expected)}
}

// Verify reports whether hostname resolves to the expected edge CNAME. A
// lookup failure is returned as an error, not a false verdict, so callers can
// tell "not pointed at us" from "DNS unavailable".
func (v *Verifier) Verify(ctx context.Context, hostname string) (bool, error) {
	cname, err := v.resolver.LookupCNAME(ctx, hostname)
	if err != nil {
		return false, err
	}
	return normalizeName(cname) == v.expected, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
