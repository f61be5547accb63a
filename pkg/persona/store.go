package persona

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/sanavoice/sana/pkg/errorsx"
)

const defaultTenantKey = "default"

type tenantConfig struct {
	AgentName    string       `mapstructure:"agent_name"`
	Instructions string       `mapstructure:"instructions"`
	Greeting     string       `mapstructure:"greeting"`
	Timezone     string       `mapstructure:"timezone"`
	EnabledTools []string     `mapstructure:"enabled_tools"`
	Practice     PracticeInfo `mapstructure:"practice"`
}

type storeConfig struct {
	Tenants map[string]tenantConfig `mapstructure:"tenants"`
}

// Store resolves tenant IDs to persona bundles. Tenants load once at startup;
// an unknown tenant resolves to the default tenant rather than failing the
// call.
type Store struct {
	tenants map[string]tenantConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewStoreFromFile loads tenant definitions from a YAML file.
func NewStoreFromFile(path string, logger *slog.Logger) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read tenants file: %w", err), errorsx.ReasonPersonaStore)
	}
	return newStore(v, logger)
}

// NewStoreFromViper builds a store from an already-populated viper instance,
// used by tests and by embedded configuration.
func NewStoreFromViper(v *viper.Viper, logger *slog.Logger) (*Store, error) {
	return newStore(v, logger)
}

func newStore(v *viper.Viper, logger *slog.Logger) (*Store, error) {
	var cfg storeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode tenants: %w", err), errorsx.ReasonPersonaStore)
	}
	if len(cfg.Tenants) == 0 {
		return nil, errorsx.Wrap(fmt.Errorf("no tenants configured"), errorsx.ReasonPersonaStore)
	}
	if _, ok := cfg.Tenants[defaultTenantKey]; !ok {
		return nil, errorsx.Wrap(fmt.Errorf("tenant %q is required", defaultTenantKey), errorsx.ReasonPersonaStore)
	}
	return &Store{tenants: cfg.Tenants, logger: logger, now: time.Now}, nil
}

// Resolve returns the persona bundle for a tenant, substituting template
// placeholders (agent name, practice fields, today's date) at resolve time so
// each call carries the current date in its instructions.
func (s *Store) Resolve(tenantID string) Bundle {
	key := tenantID
	tc, ok := s.tenants[key]
	if !ok {
		s.logger.Warn("persona_tenant_unknown", "tenant_id", tenantID, "fallback", defaultTenantKey)
		key = defaultTenantKey
		tc = s.tenants[defaultTenantKey]
	}

	b := Bundle{
		TenantID:     key,
		AgentName:    tc.AgentName,
		Timezone:     tc.Timezone,
		EnabledTools: append([]string(nil), tc.EnabledTools...),
		Info:         tc.Practice,
	}
	now := s.now()
	b.Instructions = b.expand(tc.Instructions, now)
	b.Greeting = b.expand(tc.Greeting, now)
	return b
}

// TenantIDs lists the configured tenants, used by startup logging.
func (s *Store) TenantIDs() []string {
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	return ids
}
