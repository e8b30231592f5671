package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AllocationRules are the operator-tunable defaults applied when a caller
// leaves an auto-allocation rule unset.
type AllocationRules struct {
	DefaultMethod       string   `mapstructure:"defaultMethod"`
	AllowPartial        bool     `mapstructure:"allowPartial"`
	AllowOverAllocation bool     `mapstructure:"allowOverAllocation"`
	EligibleStatuses    []string `mapstructure:"eligibleStatuses"`
}

func DefaultAllocationRules() AllocationRules {
	return AllocationRules{
		DefaultMethod:       "fifo",
		AllowPartial:        true,
		AllowOverAllocation: false,
		EligibleStatuses:    []string{"overdue", "unpaid", "partial"},
	}
}

type AllocationRulesHolder struct {
	current atomic.Value // holds AllocationRules
}

// NewStaticRulesHolder returns a holder that never reloads.
func NewStaticRulesHolder(rules AllocationRules) *AllocationRulesHolder {
	holder := &AllocationRulesHolder{}
	holder.current.Store(rules)
	return holder
}

func NewAllocationRulesHolder() (*AllocationRulesHolder, error) {
	v := viper.New()

	v.SetConfigName("allocation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/allocledger/config")
	v.AddConfigPath("/etc/allocledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALLOCLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAllocationRules()
	v.SetDefault("allocation.defaultMethod", defaults.DefaultMethod)
	v.SetDefault("allocation.allowPartial", defaults.AllowPartial)
	v.SetDefault("allocation.allowOverAllocation", defaults.AllowOverAllocation)
	v.SetDefault("allocation.eligibleStatuses", defaults.EligibleStatuses)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg AllocationRules
	if err := v.UnmarshalKey("allocation", &cfg); err != nil {
		return nil, err
	}
	if err := validateAllocationRules(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRulesHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AllocationRules
		if err := v.UnmarshalKey("allocation", &updated); err != nil {
			log.Printf("[allocation-rules] reload failed: %v", err)
			return
		}
		if err := validateAllocationRules(updated); err != nil {
			log.Printf("[allocation-rules] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[allocation-rules] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *AllocationRulesHolder) Get() AllocationRules {
	if h == nil {
		return DefaultAllocationRules()
	}
	rules, ok := h.current.Load().(AllocationRules)
	if !ok {
		return DefaultAllocationRules()
	}
	return rules
}

func validateAllocationRules(cfg AllocationRules) error {
	if strings.TrimSpace(cfg.DefaultMethod) == "" {
		return errors.New("allocation.defaultMethod cannot be empty")
	}
	if len(cfg.EligibleStatuses) == 0 {
		return errors.New("allocation.eligibleStatuses cannot be empty")
	}
	for _, status := range cfg.EligibleStatuses {
		switch strings.ToLower(strings.TrimSpace(status)) {
		case "unpaid", "partial", "overdue", "paid":
		default:
			return errors.New("allocation.eligibleStatuses contains unknown status " + status)
		}
	}
	return nil
}
