package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"crewd/internal/domain"
)

// CapabilityFetcher retrieves the current capability set of one registry.
// Implementations are registered per registry name in the service's dispatch
// table; the generic HTTP fetcher handles anything without a specific entry.
type CapabilityFetcher interface {
	Fetch(ctx context.Context, registry domain.RegistryConfig) ([]domain.ToolMetadata, error)
}

// StaticFetcher serves a fixed, well-known capability set declared in the
// registry config. Used for registries whose operations are versioned at
// integration time rather than discovered live.
type StaticFetcher struct{}

func (StaticFetcher) Fetch(_ context.Context, registry domain.RegistryConfig) ([]domain.ToolMetadata, error) {
	return domain.CloneToolSet(registry.StaticTools), nil
}

// defaultDiscoveryPaths are tried in order when a registry does not declare
// its own discovery endpoints.
var defaultDiscoveryPaths = []string{
	"/api/v1/tools",
	"/tools",
	"/capabilities",
	"/.well-known/tools",
}

// HTTPFetcher queries a registry's live discovery endpoints, trying each
// candidate path until one returns 200 with a parseable body.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, registry domain.RegistryConfig) ([]domain.ToolMetadata, error) {
	if registry.BaseURL == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "discovery.fetch", "registry has no baseURL", nil)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	paths := registry.DiscoveryPaths
	if len(paths) == 0 {
		paths = defaultDiscoveryPaths
	}

	var lastErr error
	for _, path := range paths {
		tools, err := f.fetchPath(ctx, client, registry.BaseURL+path)
		if err == nil {
			return tools, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, domain.E(domain.CodeUnavailable, "discovery.fetch",
		fmt.Sprintf("registry %s: no discovery endpoint responded", registry.Name), lastErr)
}

func (f *HTTPFetcher) fetchPath(ctx context.Context, client *http.Client, url string) ([]domain.ToolMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseWireTools(body)
}

// wireTool is the over-the-wire tool shape. Parameters come either as an
// ordered array or as a name-keyed object; objects are normalized to
// name-sorted order since JSON objects carry none.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func parseWireTools(body []byte) ([]domain.ToolMetadata, error) {
	var list []wireTool
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			Tools []wireTool `json:"tools"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("unparseable discovery body: %w", err)
		}
		list = wrapped.Tools
	}

	tools := make([]domain.ToolMetadata, 0, len(list))
	for _, wt := range list {
		if wt.Name == "" {
			continue
		}
		params, err := parseWireParameters(wt.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", wt.Name, err)
		}
		tools = append(tools, domain.ToolMetadata{
			Name:        wt.Name,
			Description: wt.Description,
			Parameters:  params,
		})
	}
	return tools, nil
}

func parseWireParameters(raw json.RawMessage) ([]domain.ToolParameter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []wireParameter
	if err := json.Unmarshal(raw, &asList); err == nil {
		params := make([]domain.ToolParameter, 0, len(asList))
		for _, p := range asList {
			params = append(params, domain.ToolParameter(p))
		}
		return params, nil
	}

	var asMap map[string]wireParameter
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("unparseable parameters: %w", err)
	}
	names := make([]string, 0, len(asMap))
	for name := range asMap {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]domain.ToolParameter, 0, len(names))
	for _, name := range names {
		p := asMap[name]
		params = append(params, domain.ToolParameter{
			Name:        name,
			Type:        p.Type,
			Description: p.Description,
		})
	}
	return params, nil
}

// stampTools fills in discovery provenance on freshly fetched tools.
func stampTools(tools []domain.ToolMetadata, registry string, now time.Time) []domain.ToolMetadata {
	for i := range tools {
		tools[i].Source = registry
		tools[i].LastUpdated = now
		tools[i].CacheKey = domain.ToolCacheKey(registry)
	}
	return tools
}
