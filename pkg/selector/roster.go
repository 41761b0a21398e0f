package selector

import (
	"context"
	"strings"

	"nodeselector/pkg/registry"
)

// StaticRoster always returns the same endpoints.
func StaticRoster(endpoints ...string) RosterFunc {
	fixed := append([]string(nil), endpoints...)
	return func(context.Context) ([]string, error) {
		return append([]string(nil), fixed...), nil
	}
}

// ProviderRoster returns the registry's provider list for service.
func ProviderRoster(reg registry.Registry, service string) RosterFunc {
	return func(ctx context.Context) ([]string, error) {
		providers, err := reg.GetServiceProviderList(ctx, service)
		if err != nil {
			return nil, err
		}
		endpoints := make([]string, 0, len(providers))
		for _, provider := range providers {
			endpoints = append(endpoints, provider.Endpoint)
		}
		return endpoints, nil
	}
}

// FilterRoster narrows next to the whitelist (when non-empty) and drops
// blacklisted endpoints. Endpoints compare without a trailing slash.
func FilterRoster(next RosterFunc, whitelist, blacklist []string) RosterFunc {
	if len(whitelist) == 0 && len(blacklist) == 0 {
		return next
	}
	allowed := endpointSet(whitelist)
	denied := endpointSet(blacklist)

	return func(ctx context.Context) ([]string, error) {
		endpoints, err := next(ctx)
		if err != nil {
			return nil, err
		}
		out := endpoints[:0:0]
		for _, endpoint := range endpoints {
			key := normalizeEndpoint(endpoint)
			if len(allowed) > 0 {
				if _, ok := allowed[key]; !ok {
					continue
				}
			}
			if _, ok := denied[key]; ok {
				continue
			}
			out = append(out, endpoint)
		}
		return out, nil
	}
}

func endpointSet(endpoints []string) map[string]struct{} {
	set := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		if key := normalizeEndpoint(endpoint); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
