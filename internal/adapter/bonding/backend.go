package bonding

import (
	"fmt"

	"roamer/internal/infra/config"
)

// OpenBackend builds the backend selected by cfg. The returned closer
// releases backend resources.
func OpenBackend(cfg config.BondingConfig) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "json", "":
		return NewJSONFileBackend(cfg.Path), noop, nil
	case "sqlite":
		b, err := NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bonding backend: %s", cfg.Backend)
	}
}
