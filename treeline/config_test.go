package treeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPolicyConfigDefaults(t *testing.T) {
	config := DefaultPolicyConfig()
	assert.Equal(t, config.Validate(), nil)
	assert.Equal(t, config.TargetDefinedMode, SubscriptionModeOnChange)
	assert.Equal(t, config.DropPolicy, DropPolicyCoalesce)
	assert.Equal(t, config.AliasPrecedence, AliasPrecedenceTarget)
}

func TestLoadPolicyConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "policy.yml")
	configYml := `
target_defined_mode: sampled
target_defined_sample_interval: 5s
alias_precedence: client
drop_policy: close
min_sample_interval: 250ms
outbound_queue_size: 32
allow_poll: false
`
	assert.Equal(t, os.WriteFile(configPath, []byte(configYml), 0644), nil)

	config, err := LoadPolicyConfig(configPath)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.TargetDefinedMode, SubscriptionModeSampled)
	assert.Equal(t, config.TargetDefinedSampleInterval.Duration(), 5*time.Second)
	assert.Equal(t, config.AliasPrecedence, AliasPrecedenceClient)
	assert.Equal(t, config.DropPolicy, DropPolicyClose)
	assert.Equal(t, config.MinSampleInterval.Duration(), 250*time.Millisecond)
	assert.Equal(t, config.OutboundQueueSize, 32)
	assert.Equal(t, config.AllowPoll, false)

	// unspecified keys keep their defaults
	assert.Equal(t, config.MinHeartbeatInterval.Duration(), time.Second)
}

func TestLoadPolicyConfigRejectsBadMode(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "policy.yml")
	assert.Equal(t, os.WriteFile(configPath, []byte("target_defined_mode: bogus\n"), 0644), nil)

	_, err := LoadPolicyConfig(configPath)
	assert.NotEqual(t, err, nil)
}

func TestPolicyConfigValidateRejectsBadQueueSize(t *testing.T) {
	config := DefaultPolicyConfig()
	config.OutboundQueueSize = 0
	assert.NotEqual(t, config.Validate(), nil)
}

func TestPolicyWatcherReload(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := filepath.Join(t.TempDir(), "policy.yml")
	assert.Equal(t, os.WriteFile(configPath, []byte("outbound_queue_size: 16\n"), 0644), nil)

	policyWatcher, err := NewPolicyWatcher(cancelCtx, configPath)
	assert.Equal(t, err, nil)
	defer policyWatcher.Close()
	assert.Equal(t, policyWatcher.Config().OutboundQueueSize, 16)

	reloaded := make(chan *PolicyConfig, 1)
	removeCallback := policyWatcher.AddChangeCallback(func(config *PolicyConfig) {
		select {
		case reloaded <- config:
		default:
		}
	})
	defer removeCallback()

	assert.Equal(t, os.WriteFile(configPath, []byte("outbound_queue_size: 64\n"), 0644), nil)

	select {
	case config := <-reloaded:
		assert.Equal(t, config.OutboundQueueSize, 64)
		assert.Equal(t, policyWatcher.Config().OutboundQueueSize, 64)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the policy reload")
	}
}

func TestPolicyWatcherKeepsConfigOnBadReload(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := filepath.Join(t.TempDir(), "policy.yml")
	assert.Equal(t, os.WriteFile(configPath, []byte("outbound_queue_size: 16\n"), 0644), nil)

	policyWatcher, err := NewPolicyWatcher(cancelCtx, configPath)
	assert.Equal(t, err, nil)
	defer policyWatcher.Close()

	assert.Equal(t, os.WriteFile(configPath, []byte("outbound_queue_size: -1\n"), 0644), nil)
	// give the watcher time to see the event and refuse it
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, policyWatcher.Config().OutboundQueueSize, 16)
}
