// Package provider defines the upstream fetch collaborator interface and the
// capability catalogue used to select a provider for a given capability and
// market. Real provider SDKs are out of scope here; this package only
// describes the contract and ships an in-memory default.
package provider

import (
	"context"

	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
)

// FetchRequest is passed to a Client's Fetch method.
type FetchRequest struct {
	Provider   string
	Capability string
	Symbols    []string
	APIType    string // "rest" or "stream"
	RequestID  string
	Options    map[string]any
}

// FetchResult is the raw (untransformed) response from a provider.
type FetchResult struct {
	Raw             []map[string]any
	HasPartialFailures bool
}

// Client is the external fetch collaborator interface.
type Client interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Capability describes one operation a provider supports, and which markets
// it can serve it for.
type Capability struct {
	Name     string
	Priority int // higher wins when multiple providers support the same capability/market
	Markets  map[symbol.Market]bool
}

// Registry is the capability catalogue: it selects the best provider for
// a (capability, market) pair by priority and market support.
type Registry interface {
	Select(capability string, market symbol.Market) (string, bool)
	Supports(providerName, capability string) bool
	Client(providerName string) (Client, bool)
}

type providerEntry struct {
	client       Client
	capabilities map[string]Capability
}

// StaticCatalogue is an in-memory Registry backing tests and default wiring.
type StaticCatalogue struct {
	providers map[string]providerEntry
}

// NewStaticCatalogue builds an empty catalogue.
func NewStaticCatalogue() *StaticCatalogue {
	return &StaticCatalogue{providers: make(map[string]providerEntry)}
}

// Register adds or replaces a provider's client and capability list.
func (c *StaticCatalogue) Register(name string, client Client, capabilities []Capability) {
	caps := make(map[string]Capability, len(capabilities))
	for _, cap := range capabilities {
		caps[cap.Name] = cap
	}
	c.providers[name] = providerEntry{client: client, capabilities: caps}
}

// Select returns the highest-priority provider supporting capability for
// market, or false if none do.
func (c *StaticCatalogue) Select(capability string, market symbol.Market) (string, bool) {
	best := ""
	bestPriority := -1
	for name, entry := range c.providers {
		cap, ok := entry.capabilities[capability]
		if !ok {
			continue
		}
		if !marketSupported(cap, market) {
			continue
		}
		if cap.Priority > bestPriority {
			best = name
			bestPriority = cap.Priority
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func marketSupported(cap Capability, market symbol.Market) bool {
	if len(cap.Markets) == 0 {
		return true
	}
	return cap.Markets[market] || cap.Markets[symbol.MarketMixed]
}

// Supports reports whether providerName supports capability at all.
func (c *StaticCatalogue) Supports(providerName, capability string) bool {
	entry, ok := c.providers[providerName]
	if !ok {
		return false
	}
	_, ok = entry.capabilities[capability]
	return ok
}

// Client returns the registered Client for providerName.
func (c *StaticCatalogue) Client(providerName string) (Client, bool) {
	entry, ok := c.providers[providerName]
	if !ok {
		return nil, false
	}
	return entry.client, true
}
