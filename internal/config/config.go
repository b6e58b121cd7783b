// Package config loads the gateway configuration from environment variables
// and an optional config file, validates it, and watches the file for hot
// reloads. A reload swaps the current immutable Snapshot; fields marked
// restart-required keep their boot values with a warning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hivegate/hivegate/internal/convo"
	"github.com/hivegate/hivegate/internal/deviceauth"
)

// KnownKey seeds the device key registry at boot.
type KnownKey struct {
	NodeID    string `mapstructure:"nodeId"`
	PublicKey string `mapstructure:"publicKey"`
}

// Snapshot is an immutable view of the configuration. Hot-reloadable fields
// may differ between snapshots; restart-required fields never do.
type Snapshot struct {
	// Restart-required.
	Port           int             `mapstructure:"port"`
	NexusURL       string          `mapstructure:"nexusUrl"`
	NexusAPIKey    string          `mapstructure:"nexusApiKey"`
	MaxConnections int             `mapstructure:"maxConnections"`
	AuthMode       deviceauth.Mode `mapstructure:"authMode"`
	ValkeyURL      string          `mapstructure:"valkeyUrl"`

	// Hot-reloadable.
	SessionTimeout           time.Duration   `mapstructure:"sessionTimeout"`
	SuspendTimeout           time.Duration   `mapstructure:"suspendTimeout"`
	HealthCheckInterval      time.Duration   `mapstructure:"healthCheckInterval"`
	LaneCapacity             int             `mapstructure:"laneCapacity"`
	LaneAckTimeout           time.Duration   `mapstructure:"laneAckTimeout"`
	MaxFramesPerSecond       int             `mapstructure:"maxFramesPerSecond"`
	DefaultConversationScope convo.Scope     `mapstructure:"defaultConversationScope"`
	MaxConversations         int             `mapstructure:"maxConversations"`
	ConversationTTL          time.Duration   `mapstructure:"conversationTtl"`
	Bindings                 []convo.Binding `mapstructure:"bindings"`

	// Device auth, read at boot.
	AllowTOFU        bool          `mapstructure:"allowTofu"`
	MaxDeviceKeys    int           `mapstructure:"maxDeviceKeys"`
	JWTMaxAge        time.Duration `mapstructure:"jwtMaxAge"`
	KnownKeys        []KnownKey    `mapstructure:"knownKeys"`
	LegacyToken      string        `mapstructure:"legacyToken"`
	BreakerThreshold int           `mapstructure:"breakerThreshold"`
	BreakerCooldown  time.Duration `mapstructure:"breakerCooldown"`
}

// hotFields maps snapshot comparisons to the field names announced in
// config.changed frames.
func diffHot(old, cur *Snapshot) []string {
	var fields []string
	if old.SessionTimeout != cur.SessionTimeout {
		fields = append(fields, "sessionTimeout")
	}
	if old.SuspendTimeout != cur.SuspendTimeout {
		fields = append(fields, "suspendTimeout")
	}
	if old.HealthCheckInterval != cur.HealthCheckInterval {
		fields = append(fields, "healthCheckInterval")
	}
	if old.LaneCapacity != cur.LaneCapacity {
		fields = append(fields, "laneCapacity")
	}
	if old.LaneAckTimeout != cur.LaneAckTimeout {
		fields = append(fields, "laneAckTimeout")
	}
	if old.MaxFramesPerSecond != cur.MaxFramesPerSecond {
		fields = append(fields, "maxFramesPerSecond")
	}
	if old.DefaultConversationScope != cur.DefaultConversationScope {
		fields = append(fields, "defaultConversationScope")
	}
	if old.MaxConversations != cur.MaxConversations {
		fields = append(fields, "maxConversations")
	}
	if old.ConversationTTL != cur.ConversationTTL {
		fields = append(fields, "conversationTtl")
	}
	if !bindingsEqual(old.Bindings, cur.Bindings) {
		fields = append(fields, "bindings")
	}
	return fields
}

func bindingsEqual(a, b []convo.Binding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Change describes one applied hot reload.
type Change struct {
	Snapshot *Snapshot
	Fields   []string
}

// Store owns the live Snapshot and the reload watcher.
type Store struct {
	mu       sync.RWMutex
	current  *Snapshot
	v        *viper.Viper
	onChange func(Change)
	log      zerolog.Logger
}

// Load reads configuration with precedence environment (HIVEGATE_*) over
// config file over defaults. An empty configPath skips the file entirely and
// disables hot reload.
func Load(configPath string, logger zerolog.Logger) (*Store, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIVEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	snap, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	s := &Store{
		current: snap,
		v:       v,
		log:     logger.With().Str("component", "config").Logger(),
	}
	if configPath != "" {
		v.OnConfigChange(func(fsnotify.Event) { s.reload() })
		v.WatchConfig()
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a registered default: AutomaticEnv values are not
	// visible to Unmarshal for unknown keys.
	v.SetDefault("port", 8080)
	v.SetDefault("nexusUrl", "")
	v.SetDefault("nexusApiKey", "")
	v.SetDefault("maxConnections", 1024)
	v.SetDefault("authMode", string(deviceauth.ModeDual))
	v.SetDefault("valkeyUrl", "valkey://localhost:6379/0")

	v.SetDefault("sessionTimeout", "60s")
	v.SetDefault("suspendTimeout", "300s")
	v.SetDefault("healthCheckInterval", "30s")
	v.SetDefault("laneCapacity", 256)
	v.SetDefault("laneAckTimeout", "10s")
	v.SetDefault("maxFramesPerSecond", 100)
	v.SetDefault("defaultConversationScope", string(convo.ScopePerChannelPeer))
	v.SetDefault("maxConversations", 10000)
	v.SetDefault("conversationTtl", "24h")

	v.SetDefault("allowTofu", false)
	v.SetDefault("maxDeviceKeys", 10000)
	v.SetDefault("jwtMaxAge", "5m")
	v.SetDefault("legacyToken", "")
	v.SetDefault("breakerThreshold", 0)
	v.SetDefault("breakerCooldown", "30s")
}

func unmarshal(v *viper.Viper) (*Snapshot, error) {
	var snap Snapshot
	if err := v.Unmarshal(&snap); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func validate(s *Snapshot) error {
	var errs []error

	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535"))
	}
	if s.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("maxConnections must be at least 1"))
	}
	if _, err := deviceauth.ParseMode(string(s.AuthMode)); err != nil {
		errs = append(errs, err)
	}
	if s.ValkeyURL == "" {
		errs = append(errs, fmt.Errorf("valkeyUrl is required"))
	}

	if s.SessionTimeout < time.Second {
		errs = append(errs, fmt.Errorf("sessionTimeout must be at least 1s"))
	}
	if s.SuspendTimeout < time.Second {
		errs = append(errs, fmt.Errorf("suspendTimeout must be at least 1s"))
	}
	if s.HealthCheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("healthCheckInterval must be at least 1s"))
	}
	if s.LaneCapacity < 1 {
		errs = append(errs, fmt.Errorf("laneCapacity must be at least 1"))
	}
	if s.LaneAckTimeout < time.Second {
		errs = append(errs, fmt.Errorf("laneAckTimeout must be at least 1s"))
	}
	if s.MaxFramesPerSecond < 1 {
		errs = append(errs, fmt.Errorf("maxFramesPerSecond must be at least 1"))
	}
	if !s.DefaultConversationScope.Valid() {
		errs = append(errs, fmt.Errorf("defaultConversationScope %q is not a valid scope", s.DefaultConversationScope))
	}
	if s.MaxConversations < 1 {
		errs = append(errs, fmt.Errorf("maxConversations must be at least 1"))
	}
	if s.ConversationTTL < time.Minute {
		errs = append(errs, fmt.Errorf("conversationTtl must be at least 1m"))
	}

	if s.MaxDeviceKeys < 1 {
		errs = append(errs, fmt.Errorf("maxDeviceKeys must be at least 1"))
	}
	if s.JWTMaxAge < time.Second {
		errs = append(errs, fmt.Errorf("jwtMaxAge must be at least 1s"))
	}
	if s.AuthMode != deviceauth.ModeEd25519 && s.LegacyToken == "" {
		errs = append(errs, fmt.Errorf("legacyToken is required unless authMode is ed25519"))
	}

	for i, b := range s.Bindings {
		if b.AgentID == "" {
			errs = append(errs, fmt.Errorf("bindings[%d]: agentId is required", i))
		}
	}
	for i, k := range s.KnownKeys {
		if k.NodeID == "" || k.PublicKey == "" {
			errs = append(errs, fmt.Errorf("knownKeys[%d]: nodeId and publicKey are required", i))
			continue
		}
		if _, err := deviceauth.DecodeKey(k.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("knownKeys[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Current returns the live snapshot.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange installs the reload observer. Must be called before the first
// file change; the callback runs on the watcher goroutine.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// reload re-reads the file, keeps restart-required fields at their boot
// values, and publishes the diff of hot fields.
func (s *Store) reload() {
	next, err := unmarshal(s.v)
	if err != nil {
		s.log.Error().Err(err).Msg("Ignoring invalid config reload")
		return
	}

	s.mu.Lock()
	old := s.current

	frozen := []string{}
	if next.Port != old.Port {
		frozen = append(frozen, "port")
	}
	if next.NexusURL != old.NexusURL {
		frozen = append(frozen, "nexusUrl")
	}
	if next.NexusAPIKey != old.NexusAPIKey {
		frozen = append(frozen, "nexusApiKey")
	}
	if next.MaxConnections != old.MaxConnections {
		frozen = append(frozen, "maxConnections")
	}
	if next.AuthMode != old.AuthMode {
		frozen = append(frozen, "authMode")
	}
	if next.ValkeyURL != old.ValkeyURL {
		frozen = append(frozen, "valkeyUrl")
	}
	next.Port = old.Port
	next.NexusURL = old.NexusURL
	next.NexusAPIKey = old.NexusAPIKey
	next.MaxConnections = old.MaxConnections
	next.AuthMode = old.AuthMode
	next.ValkeyURL = old.ValkeyURL

	fields := diffHot(old, next)
	s.current = next
	onChange := s.onChange
	s.mu.Unlock()

	for _, f := range frozen {
		s.log.Warn().Str("field", f).Msg("Ignoring change to restart-required field")
	}
	if len(fields) == 0 {
		return
	}

	s.log.Info().Strs("fields", fields).Msg("Applied config reload")
	if onChange != nil {
		onChange(Change{Snapshot: next, Fields: fields})
	}
}
