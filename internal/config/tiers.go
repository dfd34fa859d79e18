package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierLimitsHolder serves the meter tier limits. When a tier file is
// configured it is watched and swapped in atomically on change.
type TierLimitsHolder struct {
	current atomic.Value // holds map[string]float64
}

func NewStaticTierLimits(limits map[string]float64) *TierLimitsHolder {
	holder := &TierLimitsHolder{}
	holder.current.Store(copyLimits(limits))
	return holder
}

func NewTierLimitsHolder(cfg Config, log *zap.Logger) (*TierLimitsHolder, error) {
	path := strings.TrimSpace(cfg.Meter.TierConfigPath)
	if path == "" {
		return NewStaticTierLimits(cfg.Meter.TierLimits), nil
	}
	log = log.Named("config.tiers")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("tiers", cfg.Meter.TierLimits)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tier config %s: %w", path, err)
	}

	limits, err := readTierLimits(v)
	if err != nil {
		return nil, err
	}
	holder := NewStaticTierLimits(limits)

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := readTierLimits(v)
		if err != nil {
			log.Warn("tier config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("tier config reloaded", zap.String("file", e.Name), zap.Int("tiers", len(updated)))
	})
	v.WatchConfig()

	return holder, nil
}

// Get returns a copy of the active tier limits.
func (h *TierLimitsHolder) Get() map[string]float64 {
	return copyLimits(h.current.Load().(map[string]float64))
}

func readTierLimits(v *viper.Viper) (map[string]float64, error) {
	var limits map[string]float64
	if err := v.UnmarshalKey("tiers", &limits); err != nil {
		return nil, err
	}
	if err := validateTierLimits(limits); err != nil {
		return nil, err
	}
	return limits, nil
}

func validateTierLimits(limits map[string]float64) error {
	if len(limits) == 0 {
		return errors.New("tiers cannot be empty")
	}
	if _, ok := limits["free"]; !ok {
		return errors.New("tiers must define free")
	}
	for name, limit := range limits {
		if limit < 0 {
			return fmt.Errorf("tier %q has a negative limit", name)
		}
	}
	return nil
}

func copyLimits(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
