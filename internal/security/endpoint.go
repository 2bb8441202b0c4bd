package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrEndpointNotAllowed is returned for webhook targets the policy rejects.
var ErrEndpointNotAllowed = errors.New("security: endpoint not allowed")

// EndpointPolicy decides which URLs the server may call out to.
//
// Sites usually run their paging gateway on the plant network, so private
// ranges can be opened per host with AllowHosts. Loopback and link-local
// (cloud metadata) stay blocked regardless.
type EndpointPolicy struct {
	AllowPrivate bool
	AllowHosts   []string
	Resolve      func(ctx context.Context, host string) ([]string, error)
}

// DefaultEndpointPolicy blocks every non-public address.
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{Resolve: net.DefaultResolver.LookupHost}
}

// ValidateEndpointURL checks rawURL against the default policy.
func ValidateEndpointURL(rawURL string) error {
	return DefaultEndpointPolicy().Validate(rawURL)
}

// Validate checks the literal host and every address it resolves to.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url", ErrEndpointNotAllowed)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrEndpointNotAllowed)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrEndpointNotAllowed)
	}
	if strings.EqualFold(host, "localhost") || strings.HasPrefix(strings.ToLower(host), "metadata.") {
		return fmt.Errorf("%w: host %q", ErrEndpointNotAllowed, host)
	}
	private := p.AllowPrivate || p.allowed(host)

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, private)
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.DefaultResolver.LookupHost
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, err := resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrEndpointNotAllowed, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip, private); err != nil {
				return fmt.Errorf("%s resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func (p EndpointPolicy) allowed(host string) bool {
	for _, h := range p.AllowHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func checkIP(ip net.IP, allowPrivate bool) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrEndpointNotAllowed)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrEndpointNotAllowed)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrEndpointNotAllowed)
	case ip.IsPrivate() && !allowPrivate:
		return fmt.Errorf("%w: private address", ErrEndpointNotAllowed)
	}
	return nil
}
