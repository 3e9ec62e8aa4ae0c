// Package config loads the configuration document: a YAML file
// populating modules, cache, document_store, session_prefix, acquisition,
// and sync, with secrets overridable from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/decode"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env file")
	}
}

// Load reads the YAML document at path, applies environment overrides,
// fills defaults, validates, and logs a startup summary.
func Load(path string) (*model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", model.ErrConfig, path, err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", model.ErrConfig, path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	logSummary(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over whatever the YAML
// document carries, so secrets stay out of checked-in files.
func applyEnvOverrides(cfg *model.Config) {
	if v := os.Getenv("SENSORGRID_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENSORGRID_DOCUMENT_STORE_URI"); v != "" {
		cfg.DocumentStore.URI = v
	}
	if v := os.Getenv("SENSORGRID_SESSION_PREFIX"); v != "" {
		cfg.SessionPrefix = v
	}
}

func applyDefaults(cfg *model.Config) {
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = model.SessionPrefix(time.Now())
	}
	if cfg.Cache.PoolSize <= 0 {
		cfg.Cache.PoolSize = 10
	}
	def := model.DefaultAcquisitionConfig()
	if cfg.Acquisition.DefaultPollIntervalMS <= 0 {
		cfg.Acquisition.DefaultPollIntervalMS = def.DefaultPollIntervalMS
	}
	if cfg.Acquisition.DefaultReadTimeoutMS <= 0 {
		cfg.Acquisition.DefaultReadTimeoutMS = def.DefaultReadTimeoutMS
	}
	if cfg.Acquisition.FailureThreshold <= 0 {
		cfg.Acquisition.FailureThreshold = def.FailureThreshold
	}
	if cfg.Acquisition.ReconnectBackoff == (model.ReconnectBackoff{}) {
		cfg.Acquisition.ReconnectBackoff = model.DefaultReconnectBackoff()
	}
	for i := range cfg.Modules {
		if cfg.Modules[i].PollIntervalMS == 0 {
			cfg.Modules[i].PollIntervalMS = cfg.Acquisition.DefaultPollIntervalMS
		}
	}
	syncDef := model.DefaultSyncConfig()
	if cfg.Sync.RealtimePeriodMS <= 0 {
		cfg.Sync.RealtimePeriodMS = syncDef.RealtimePeriodMS
	}
	if cfg.Sync.HistoricalPeriodMS <= 0 {
		cfg.Sync.HistoricalPeriodMS = syncDef.HistoricalPeriodMS
	}
	if cfg.Sync.TimeseriesPeriodMS <= 0 {
		cfg.Sync.TimeseriesPeriodMS = syncDef.TimeseriesPeriodMS
	}
	if cfg.Sync.StatisticsPeriodMS <= 0 {
		cfg.Sync.StatisticsPeriodMS = syncDef.StatisticsPeriodMS
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = syncDef.PageSize
	}
}

func validate(cfg *model.Config) error {
	if len(cfg.Modules) == 0 {
		return fmt.Errorf("%w: at least one module must be configured", model.ErrConfig)
	}
	if len(cfg.Modules) > 16 {
		return fmt.Errorf("%w: at most 16 modules are supported, got %d", model.ErrConfig, len(cfg.Modules))
	}
	seen := make(map[string]bool, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, err := decode.ForModule(m); err != nil {
			return err
		}
		if seen[m.ModuleID] {
			return fmt.Errorf("%w: duplicate module_id %q", model.ErrConfig, m.ModuleID)
		}
		seen[m.ModuleID] = true
	}
	if cfg.Cache.Host == "" {
		return fmt.Errorf("%w: cache.host is required", model.ErrConfig)
	}
	if cfg.DocumentStore.URI == "" {
		return fmt.Errorf("%w: document_store.uri is required", model.ErrConfig)
	}
	return nil
}

func logSummary(cfg *model.Config) {
	log.Printf("[config] session_prefix=%s modules=%d cache=%s:%d/%d document_store=%s",
		cfg.SessionPrefix, len(cfg.Modules), cfg.Cache.Host, cfg.Cache.Port, cfg.Cache.DB, cfg.DocumentStore.Database)
	for _, m := range cfg.Modules {
		log.Printf("[config]   module %s: %s:%d slave=%d func=%d start=%d count=%d type=%s channels=%d rtc=%v",
			m.ModuleID, m.Host, m.Port, m.SlaveAddr, m.FunctionCode, m.StartRegister, m.RegisterCount, m.SensorType, m.ChannelCount, m.IsRTC)
	}
	log.Printf("[config]   cache password set: %v", cfg.Cache.Password != "")
}
