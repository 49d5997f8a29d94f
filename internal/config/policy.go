package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FulfillmentPolicy carries operator-tunable settings that may change
// without a restart.
type FulfillmentPolicy struct {
	SignedURLTTL        time.Duration `mapstructure:"signedUrlTtl"`
	MinOverrideReason   int           `mapstructure:"minOverrideReason"`
	ReplayBatchLimit    int           `mapstructure:"replayBatchLimit"`
	ExpirySweepInterval time.Duration `mapstructure:"expirySweepInterval"`
}

func DefaultFulfillmentPolicy() FulfillmentPolicy {
	return FulfillmentPolicy{
		SignedURLTTL:        3 * time.Hour,
		MinOverrideReason:   8,
		ReplayBatchLimit:    100,
		ExpirySweepInterval: time.Minute,
	}
}

type FulfillmentPolicyHolder struct {
	current atomic.Value // holds FulfillmentPolicy
}

func NewFulfillmentPolicyHolder() (*FulfillmentPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("fulfillment")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/keymint/config")
	v.AddConfigPath("/etc/keymint")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEYMINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFulfillmentPolicy()
	v.SetDefault("fulfillment.signedUrlTtl", defaults.SignedURLTTL)
	v.SetDefault("fulfillment.minOverrideReason", defaults.MinOverrideReason)
	v.SetDefault("fulfillment.replayBatchLimit", defaults.ReplayBatchLimit)
	v.SetDefault("fulfillment.expirySweepInterval", defaults.ExpirySweepInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy FulfillmentPolicy
	if err := v.UnmarshalKey("fulfillment", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &FulfillmentPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FulfillmentPolicy
		if err := v.UnmarshalKey("fulfillment", &updated); err != nil {
			log.Printf("[fulfillment-policy] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[fulfillment-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// StaticFulfillmentPolicyHolder wraps a fixed policy, bypassing the
// config file watcher. Used by tests and one-shot tooling.
func StaticFulfillmentPolicyHolder(p FulfillmentPolicy) *FulfillmentPolicyHolder {
	holder := &FulfillmentPolicyHolder{}
	holder.current.Store(p)
	return holder
}

func (h *FulfillmentPolicyHolder) Get() FulfillmentPolicy {
	if h == nil {
		return DefaultFulfillmentPolicy()
	}
	if v, ok := h.current.Load().(FulfillmentPolicy); ok {
		return v
	}
	return DefaultFulfillmentPolicy()
}

func validatePolicy(p FulfillmentPolicy) error {
	if p.SignedURLTTL <= 0 {
		return errors.New("signedUrlTtl must be positive")
	}
	if p.MinOverrideReason < 1 {
		return errors.New("minOverrideReason must be at least 1")
	}
	if p.ReplayBatchLimit < 1 {
		return errors.New("replayBatchLimit must be at least 1")
	}
	if p.ExpirySweepInterval <= 0 {
		return errors.New("expirySweepInterval must be positive")
	}
	return nil
}
