package treeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"

	"github.com/golang/glog"
)

// behavior when a session's bounded outbound queue is full
type DropPolicy string

const (
	// sampled updates are superseded in place; on-change and delete
	// notifications block up to the enqueue timeout, then the session
	// is closed rather than silently losing them
	DropPolicyCoalesce DropPolicy = "coalesce"
	// any full-queue event closes the session
	DropPolicyClose DropPolicy = "close"
)

type ConfigDuration time.Duration

func (self *ConfigDuration) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*self = ConfigDuration(d)
	return nil
}

func (self ConfigDuration) Duration() time.Duration {
	return time.Duration(self)
}

func (self ConfigDuration) Nanos() int64 {
	return int64(self)
}

// the explicitly configurable policy points, plus engine limits.
// yaml-backed so operators can adjust without rebuilding
type PolicyConfig struct {
	// delivery selected under target-defined mode: on_change or sampled
	TargetDefinedMode SubscriptionMode `yaml:"-"`
	// raw yaml form of TargetDefinedMode
	TargetDefinedModeName string `yaml:"target_defined_mode"`
	// sample interval used when target-defined resolves to sampled, and
	// when a client requests interval 0 (target selects)
	TargetDefinedSampleInterval ConfigDuration `yaml:"target_defined_sample_interval"`

	AliasPrecedence AliasPrecedence `yaml:"alias_precedence"`

	DropPolicy     DropPolicy     `yaml:"drop_policy"`
	EnqueueTimeout ConfigDuration `yaml:"enqueue_timeout"`

	// requested intervals below the floor are refused at subscribe time
	MinSampleInterval    ConfigDuration `yaml:"min_sample_interval"`
	MinHeartbeatInterval ConfigDuration `yaml:"min_heartbeat_interval"`

	OutboundQueueSize int  `yaml:"outbound_queue_size"`
	AllowPoll         bool `yaml:"allow_poll"`
}

func DefaultPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		TargetDefinedMode:           SubscriptionModeOnChange,
		TargetDefinedModeName:       "on_change",
		TargetDefinedSampleInterval: ConfigDuration(10 * time.Second),
		AliasPrecedence:             AliasPrecedenceTarget,
		DropPolicy:                  DropPolicyCoalesce,
		EnqueueTimeout:              ConfigDuration(5 * time.Second),
		MinSampleInterval:           ConfigDuration(100 * time.Millisecond),
		MinHeartbeatInterval:        ConfigDuration(1 * time.Second),
		OutboundQueueSize:           256,
		AllowPoll:                   true,
	}
}

func (self *PolicyConfig) Validate() error {
	switch self.TargetDefinedModeName {
	case "", "on_change":
		self.TargetDefinedMode = SubscriptionModeOnChange
	case "sampled":
		self.TargetDefinedMode = SubscriptionModeSampled
	default:
		return fmt.Errorf("target_defined_mode must be on_change or sampled: %s", self.TargetDefinedModeName)
	}
	switch self.AliasPrecedence {
	case "", AliasPrecedenceTarget, AliasPrecedenceClient:
	default:
		return fmt.Errorf("alias_precedence must be target or client: %s", self.AliasPrecedence)
	}
	switch self.DropPolicy {
	case "", DropPolicyCoalesce, DropPolicyClose:
	default:
		return fmt.Errorf("drop_policy must be coalesce or close: %s", self.DropPolicy)
	}
	if self.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound_queue_size must be positive: %d", self.OutboundQueueSize)
	}
	return nil
}

func LoadPolicyConfig(configPath string) (*PolicyConfig, error) {
	configBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	config := DefaultPolicyConfig()
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

type PolicyChangeFunction func(config *PolicyConfig)

// watches the policy file and reloads on change. Sessions opened after
// a reload pick up the new policy; existing sessions keep theirs
type PolicyWatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	configPath string
	watcher    *fsnotify.Watcher

	stateLock sync.Mutex
	config    *PolicyConfig

	changeCallbacks *CallbackList[PolicyChangeFunction]
}

func NewPolicyWatcher(ctx context.Context, configPath string) (*PolicyWatcher, error) {
	config, err := LoadPolicyConfig(configPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory so that rename-into-place updates are seen
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	policyWatcher := &PolicyWatcher{
		ctx:             cancelCtx,
		cancel:          cancel,
		configPath:      configPath,
		watcher:         watcher,
		config:          config,
		changeCallbacks: NewCallbackList[PolicyChangeFunction](),
	}
	go policyWatcher.run()
	return policyWatcher, nil
}

func (self *PolicyWatcher) Config() *PolicyConfig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.config
}

func (self *PolicyWatcher) AddChangeCallback(changeCallback PolicyChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *PolicyWatcher) run() {
	defer self.watcher.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(self.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			config, err := LoadPolicyConfig(self.configPath)
			if err != nil {
				glog.Infof("[config]reload failed: %s\n", err)
				continue
			}
			self.stateLock.Lock()
			self.config = config
			self.stateLock.Unlock()
			glog.V(1).Infof("[config]reloaded %s\n", self.configPath)
			for _, changeCallback := range self.changeCallbacks.Get() {
				changeCallback(config)
			}
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[config]watch error: %s\n", err)
		}
	}
}

func (self *PolicyWatcher) Close() {
	self.cancel()
}
