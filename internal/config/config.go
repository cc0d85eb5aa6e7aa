// Package config loads go-voicestream settings.
//
// Sources are applied in order, later ones winning:
//
//	defaults → YAML file → .env files → environment → Redis settings hash
//
// .env files only fill variables the environment does not already set.
// The Redis hash is owned by a host application and is only read.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/engine"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "VOICESTREAM_"

// DefaultRedisKey is the settings hash read when only a Redis URL is given.
const DefaultRedisKey = "voicestream:settings"

// Settings is the full runtime configuration.
type Settings struct {
	Session conversation.Session `yaml:"session"`
	Audio   audioio.Config       `yaml:"audio"`
	Engine  engine.Config        `yaml:"engine"`

	// Monitor is the monitor listen address. Empty disables it.
	Monitor string `yaml:"monitor"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the defaults for provider p.
func Default(p conversation.Provider) Settings {
	return Settings{
		Session:  conversation.DefaultSession(p),
		Audio:    audioio.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		LogLevel: "info",
	}
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := s.Session.Validate(); err != nil {
		return err
	}
	if err := s.Audio.Validate(); err != nil {
		return fmt.Errorf("config: audio: %w", err)
	}
	cfg := s.Engine
	cfg.Audio = s.Audio
	return cfg.Validate()
}

// SessionConfig returns the session to connect with. The capture rate
// follows the audio device configuration.
func (s *Settings) SessionConfig() conversation.Session {
	sess := s.Session
	sess.InputSampleRate = s.Audio.InputSampleRate
	if sess.APIKey == "" {
		sess.APIKey = sess.Credential()
	}
	return sess
}

// AudioConfig returns the device configuration.
func (s *Settings) AudioConfig() audioio.Config {
	return s.Audio
}

// EngineConfig returns the engine configuration with the audio defaults set.
func (s *Settings) EngineConfig() engine.Config {
	cfg := s.Engine
	cfg.Audio = s.Audio
	return cfg
}

// LoadOption configures Load.
type LoadOption func(*loader)

type loader struct {
	file      string
	envFiles  []string
	redis     redis.UniversalClient
	redisURL  string
	redisKey  string
	overrides map[string]string
	lookup    func(string) (string, bool)
}

// WithFile reads a YAML settings file. A missing file is an error.
func WithFile(path string) LoadOption {
	return func(l *loader) { l.file = path }
}

// WithEnvFiles loads .env files. Missing files are ignored.
func WithEnvFiles(paths ...string) LoadOption {
	return func(l *loader) { l.envFiles = append(l.envFiles, paths...) }
}

// WithRedis reads the settings hash key from client.
func WithRedis(client redis.UniversalClient, key string) LoadOption {
	return func(l *loader) {
		l.redis = client
		l.redisKey = key
	}
}

// WithRedisURL connects to url for the settings hash key.
func WithRedisURL(url, key string) LoadOption {
	return func(l *loader) {
		l.redisURL = url
		l.redisKey = key
	}
}

// WithOverrides applies fields last, above every other source. Keys are the
// lower-case field names used for environment variables and Redis.
func WithOverrides(m map[string]string) LoadOption {
	return func(l *loader) {
		if l.overrides == nil {
			l.overrides = make(map[string]string, len(m))
		}
		for k, v := range m {
			l.overrides[k] = v
		}
	}
}

// Load builds Settings from every configured source.
func Load(ctx context.Context, opts ...LoadOption) (Settings, error) {
	l := &loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.loadEnvFiles(); err != nil {
		return Settings{}, err
	}

	var file []byte
	if l.file != "" {
		data, err := os.ReadFile(l.file)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", l.file, err)
		}
		file = data
	}

	hash, err := l.readRedis(ctx)
	if err != nil {
		return Settings{}, err
	}

	provider, err := l.provider(file, hash)
	if err != nil {
		return Settings{}, err
	}

	s := Default(provider)
	if len(file) > 0 {
		if err := yaml.Unmarshal(file, &s); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", l.file, err)
		}
	}
	if err := applyEnv(&s, l.lookup); err != nil {
		return Settings{}, err
	}
	if err := applyMap(&s, hash); err != nil {
		return Settings{}, fmt.Errorf("config: redis %s: %w", l.redisKey, err)
	}
	if err := applyMap(&s, l.overrides); err != nil {
		return Settings{}, fmt.Errorf("config: override %w", err)
	}
	s.Session.Provider = provider
	return s, nil
}

func (l *loader) loadEnvFiles() error {
	var existing []string
	for _, p := range l.envFiles {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

func (l *loader) readRedis(ctx context.Context) (map[string]string, error) {
	client := l.redis
	if client == nil {
		url := l.redisURL
		if url == "" {
			url, _ = l.lookup(EnvPrefix + "REDIS_URL")
		}
		if url == "" {
			return nil, nil
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("config: redis url: %w", err)
		}
		c := redis.NewClient(opts)
		defer c.Close()
		client = c
	}

	key := l.redisKey
	if key == "" {
		key, _ = l.lookup(EnvPrefix + "REDIS_KEY")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	l.redisKey = key

	hash, err := client.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("config: redis %s: %w", key, err)
	}
	return hash, nil
}

// provider resolves the provider first so defaults match it.
func (l *loader) provider(file []byte, hash map[string]string) (conversation.Provider, error) {
	name := ""
	if len(file) > 0 {
		var peek struct {
			Session struct {
				Provider string `yaml:"provider"`
			} `yaml:"session"`
		}
		if err := yaml.Unmarshal(file, &peek); err != nil {
			return "", fmt.Errorf("config: parse %s: %w", l.file, err)
		}
		name = peek.Session.Provider
	}
	if v, ok := l.lookup(EnvPrefix + "PROVIDER"); ok && v != "" {
		name = v
	}
	if v := hash["provider"]; v != "" {
		name = v
	}
	if v := l.overrides["provider"]; v != "" {
		name = v
	}
	return conversation.ParseProvider(name)
}

// EnvName returns the environment variable for a settings field.
func EnvName(field string) string {
	return EnvPrefix + strings.ToUpper(field)
}
