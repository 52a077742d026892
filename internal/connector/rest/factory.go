package rest

import (
	"fmt"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/platform"
)

// Factory builds connectors for the endpoints listed in configuration.
type Factory struct {
	endpoints map[string]config.PlatformEndpoint
}

var _ platform.Factory = (*Factory)(nil)

func NewFactory(endpoints []config.PlatformEndpoint) *Factory {
	f := &Factory{endpoints: make(map[string]config.PlatformEndpoint, len(endpoints))}
	for _, e := range endpoints {
		f.endpoints[e.ID] = e
	}
	return f
}

func (f *Factory) New(platformID string) (platform.Connector, error) {
	e, ok := f.endpoints[platformID]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for platform %s: %w", platformID, model.ErrConfiguration)
	}
	return NewConnector(e)
}

