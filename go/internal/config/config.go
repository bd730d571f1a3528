// Package config reads process settings from the environment and the
// optional game-mode catalog file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreNATS     StoreBackend = "nats"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

type PublisherKind string

const (
	PublisherLog  PublisherKind = "log"
	PublisherNATS PublisherKind = "nats"
)

var (
	ErrUnknownBackend   = errors.New("unknown store backend")
	ErrUnknownPublisher = errors.New("unknown events publisher")
	ErrEmptyCatalog     = errors.New("game mode catalog is empty")
)

// Database holds the Postgres settings used by the postgres store backend.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Config struct {
	Port     string
	LogLevel zerolog.Level

	StoreBackend StoreBackend
	NATSURL      string
	RedisURL     string
	RedisPrefix  string
	Database     Database

	RoomInactivity time.Duration
	GameModesFile  string

	Publisher   PublisherKind
	EventsAudit bool
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", "8080"),
		StoreBackend: StoreBackend(strings.ToLower(getEnv("STORE_BACKEND", string(StoreMemory)))),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:  getEnv("REDIS_KEY_PREFIX", "buzzroom:"),
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "buzzroom"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RoomInactivity: time.Duration(getEnvAsInt("ROOM_INACTIVITY_MINUTES", 180)) * time.Minute,
		GameModesFile:  getEnv("GAME_MODES_FILE", ""),
		Publisher:      PublisherKind(strings.ToLower(getEnv("EVENTS_PUBLISHER", string(PublisherLog)))),
		EventsAudit:    getEnvAsBool("EVENTS_AUDIT", false),
	}

	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	switch cfg.StoreBackend {
	case StoreMemory, StoreNATS, StoreRedis, StorePostgres:
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StoreBackend)
	}
	switch cfg.Publisher {
	case PublisherLog, PublisherNATS:
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPublisher, cfg.Publisher)
	}
	if cfg.RoomInactivity <= 0 {
		return Config{}, fmt.Errorf("ROOM_INACTIVITY_MINUTES must be positive")
	}
	return cfg, nil
}

// NeedsNATS reports whether any component dials NATS.
func (c Config) NeedsNATS() bool {
	return c.StoreBackend == StoreNATS || c.Publisher == PublisherNATS
}

type catalogFile struct {
	Modes []models.GameMode `yaml:"modes"`
}

// GameModes returns the catalog from GameModesFile, or the built-in one when
// no file is configured.
func (c Config) GameModes() ([]models.GameMode, error) {
	if c.GameModesFile == "" {
		return models.DefaultGameModes(), nil
	}
	return LoadGameModes(c.GameModesFile)
}

// LoadGameModes parses a YAML catalog:
//
//	modes:
//	  - type: speed
//	    name: Speed
//	    settings:
//	      time_limit: 20
//	      points_correct: 15
func LoadGameModes(path string) ([]models.GameMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read game mode catalog: %w", err)
	}
	return ParseGameModes(data)
}

func ParseGameModes(data []byte) ([]models.GameMode, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse game mode catalog: %w", err)
	}
	if len(file.Modes) == 0 {
		return nil, ErrEmptyCatalog
	}

	seen := make(map[models.GameModeType]bool, len(file.Modes))
	for i, m := range file.Modes {
		if m.Type == "" {
			return nil, fmt.Errorf("game mode %d has no type", i)
		}
		if seen[m.Type] {
			return nil, fmt.Errorf("duplicate game mode %q", m.Type)
		}
		seen[m.Type] = true
		if m.Name == "" {
			file.Modes[i].Name = string(m.Type)
		}
	}
	return file.Modes, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
