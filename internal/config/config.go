package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProjectName names the database, log and PID files.
const ProjectName = "cadenza"

// --- Configuration & Environment ---

type Config struct {
	DatabasePath string
	CacheDir     string

	DownloadConcurrency int
	AudioBitrateKbps    int

	ValidateEnabled  bool
	ValidateFix      bool
	ValidateInterval time.Duration
	ValidateBatch    int
	ValidateGrace    time.Duration

	TailStall        time.Duration
	SkipReadyTimeout time.Duration
	ConnectWait      time.Duration
	PartialWait      time.Duration
	IdleTimeout      time.Duration
	FailureStrikes   int

	ProviderCooldown time.Duration
	ProviderRate     float64
	MinAcceptScore   float64

	MetricsAddr   string
	PlayerCommand string
	YouTubeProxy  string

	Silent    bool
	Debug     bool
	LogToFile bool

	// Warnings lists every value that was rejected and replaced by its
	// default. Callers log them once the logger is up.
	Warnings []string
}

// Load reads .env (if present) and the process environment. Bad values never
// fail the load; they fall back to defaults and are recorded in Warnings.
func Load() *Config {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) *Config {
	r := &reader{lookup: lookup}

	dbPath := r.str("DATABASE_PATH", "")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, ProjectName+".db")
	}

	cfg := &Config{
		DatabasePath: dbPath,
		CacheDir:     r.str("CACHE_DIR", "music_cache"),

		DownloadConcurrency: r.integer("DOWNLOAD_CONCURRENCY", 4, 1, 32),
		AudioBitrateKbps:    r.integer("AUDIO_BITRATE_KBPS", 160, 32, 512),

		ValidateEnabled:  r.boolean("CACHE_VALIDATE_ENABLED", true),
		ValidateFix:      r.boolean("CACHE_VALIDATE_FIX", false),
		ValidateInterval: time.Duration(r.integer("CACHE_VALIDATE_INTERVAL_MINUTES", 60, 1, 1440)) * time.Minute,
		ValidateBatch:    r.integer("CACHE_VALIDATE_BATCH_SIZE", 25, 1, 1000),
		ValidateGrace:    time.Duration(r.integer("CACHE_VALIDATE_GRACE_SECONDS", 120, 0, 3600)) * time.Second,

		TailStall:        time.Duration(r.integer("TAIL_STALL_SECONDS", 30, 5, 600)) * time.Second,
		SkipReadyTimeout: time.Duration(r.integer("SKIP_READY_TIMEOUT_SECONDS", 15, 1, 120)) * time.Second,
		ConnectWait:      time.Duration(r.integer("CONNECT_READY_TIMEOUT_MS", 3000, 0, 30000)) * time.Millisecond,
		PartialWait:      time.Duration(r.integer("PARTIAL_WAIT_MS", 800, 0, 1000)) * time.Millisecond,
		IdleTimeout:      time.Duration(r.integer("IDLE_DISCONNECT_MINUTES", 5, 1, 120)) * time.Minute,
		FailureStrikes:   r.integer("FAILURE_STRIKES", 3, 1, 10),

		ProviderCooldown: time.Duration(r.integer("PROVIDER_COOLDOWN_MINUTES", 15, 1, 240)) * time.Minute,
		ProviderRate:     r.float("PROVIDER_RATE_PER_SECOND", 2, 0.1, 50),
		MinAcceptScore:   r.float("MIN_ACCEPT_SCORE", 0.34, 0, 1),

		MetricsAddr:   r.str("METRICS_ADDR", ""),
		PlayerCommand: r.str("PLAYER_COMMAND", ""),
		YouTubeProxy:  r.str("YOUTUBE_PROXY", ""),

		Silent:    r.boolean("SILENT", false),
		Debug:     r.boolean("DEBUG", false),
		LogToFile: r.boolean("LOG_TO_FILE", false),
	}
	cfg.Warnings = r.warnings
	return cfg
}

// AudioFormat is the yt-dlp format selector derived from the bitrate cap.
func (c *Config) AudioFormat() string {
	return fmt.Sprintf("bestaudio[ext=webm][abr<=%d]/bestaudio[ext=webm]/bestaudio", c.AudioBitrateKbps)
}

// LogPath is where the file sink goes when LogToFile is set.
func (c *Config) LogPath() string {
	if !c.LogToFile {
		return ""
	}
	return ProjectName + ".log"
}

// --- Parsing Helpers ---

type reader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) warn(key, value string, def any) {
	r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q, using %v", key, value, def))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def, lo, hi int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		r.warn(key, v, def)
		return def
	}
	return n
}

func (r *reader) float(key string, def, lo, hi float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		r.warn(key, v, def)
		return def
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.warn(key, v, def)
		return def
	}
	return b
}
