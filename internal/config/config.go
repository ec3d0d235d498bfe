// Package config loads the deployment profile that sizes every process
// in the pipeline: pipeline count, per-pipeline capacity, rate-limiter
// window, storage retention. A profile is a YAML file with environment
// overrides of the form CFG__section__subsection=value.
//
// Instance() is meant to be called exactly once per process, at its
// cmd/<role>/main.go composition root. Every other package receives a
// *Profile by constructor injection; nothing below main() calls
// Instance() itself.
package config

import (
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Profile is the full deployment sizing profile.
type Profile struct {
	Hardware    HardwareConfig    `yaml:"hardware"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	KV          KVConfig          `yaml:"kv"`
	Supabase    SupabaseConfig    `yaml:"supabase"`
	Server      ServerConfig      `yaml:"server"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Models      ModelsConfig      `yaml:"models"`
}

type HardwareConfig struct {
	Servers      int `yaml:"servers"`
	GPUsPerServer int `yaml:"gpus_per_server"`
	TotalGPUs    int `yaml:"total_gpus"`
	GPUMemoryGB  int `yaml:"gpu_memory_gb"`
}

type PipelineConfig struct {
	PipelinesPerServer  int `yaml:"pipelines_per_server"`
	PipelinesPerGPU     int `yaml:"pipelines_per_gpu"`
	MaxClientsPerPipeline int `yaml:"max_clients_per_pipeline"`
}

// NumPipelines derives the total pipeline count N from the sizing
// knobs, falling back to 1 if the profile under-specifies it.
func (p PipelineConfig) NumPipelines(servers int) int {
	n := p.PipelinesPerServer * servers
	if n <= 0 {
		n = 1
	}
	return n
}

type CapacityConfig struct {
	HardLimitClients int `yaml:"hard_limit_clients"` // 0 = uncapped
}

type RateLimiterConfig struct {
	MaxClients     int `yaml:"max_clients"`
	WindowMs       int `yaml:"window_ms"`
	CleanupMs      int `yaml:"cleanup_ms"`
}

type StorageConfig struct {
	Provider       string `yaml:"provider"` // "supabase" | "filesystem"
	FramesBucket   string `yaml:"frames_bucket"`
	RetentionHours int    `yaml:"retention_hours"`
	FallbackDir    string `yaml:"fallback_dir"`
}

type QueueConfig struct {
	ProjectID   string `yaml:"project_id"`
	MaxRetries  int    `yaml:"max_retries"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

type KVConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	Enabled    bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port             string `yaml:"port"`
	Env              string `yaml:"env"`
	StatusDir        string `yaml:"status_dir"`
	ReadTimeoutSec   int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int    `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec"`
	WSMessageTimeoutSec int `yaml:"ws_message_timeout_sec"`
	AllowedOrigins   string `yaml:"allowed_origins"` // CSV
}

type EmbeddingConfig struct {
	Namespace       string `yaml:"namespace"`
	ModelName       string `yaml:"model_name"`
	WeightsID       string `yaml:"weights_id"`
	MetricName      string `yaml:"metric_name"`
	DetectThenCrop  bool   `yaml:"detect_then_crop"`
	EnrolmentDir    string `yaml:"enrolment_dir"`
}

type ModelsConfig struct {
	SpoofThreshold  float64 `yaml:"spoof_threshold"`
	PhoneClassID    int     `yaml:"phone_class_id"`
	PhoneThreshold  float64 `yaml:"phone_threshold"`
	FaceThreshold   float64 `yaml:"face_threshold"`
	DistanceMetric  string  `yaml:"distance_metric"` // "cosine" | "euclidean"
}

var (
	instance *Profile
	once     sync.Once
)

// Instance loads (once) and returns the process-wide profile. Call this
// exactly once per process, at the composition root of cmd/<role>/main.go.
func Instance() *Profile {
	once.Do(func() {
		p, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load profile file, using defaults", "error", err)
			p = &Profile{}
		}
		p.applyEnvOverrides()
		p.applyDefaults()
		instance = p
	})
	return instance
}

// Load reads a YAML profile from path without touching the singleton —
// used by tests and by Instance() itself.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var p Profile
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// applyEnvOverrides walks the profile's fields reflectively, applying
// CFG__section__subsection=value overrides with bool/int/float/string
// type inference, per the env-override grammar.
func (p *Profile) applyEnvOverrides() {
	walkOverride(reflect.ValueOf(p).Elem(), "CFG")
}

func walkOverride(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		tag := field.Tag.Get("yaml")
		if tag == "" {
			tag = strings.ToLower(field.Name)
		}
		envKey := prefix + "__" + tag

		if fv.Kind() == reflect.Struct {
			walkOverride(fv, envKey)
			continue
		}

		raw, ok := os.LookupEnv(strings.ToUpper(envKey))
		if !ok {
			continue
		}
		setFromEnv(fv, raw)
	}
}

func setFromEnv(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	case reflect.String:
		fv.SetString(raw)
	}
}

func (p *Profile) applyDefaults() {
	if p.Hardware.Servers == 0 {
		p.Hardware.Servers = 1
	}
	if p.Pipeline.PipelinesPerServer == 0 {
		p.Pipeline.PipelinesPerServer = 2
	}
	if p.Pipeline.MaxClientsPerPipeline == 0 {
		p.Pipeline.MaxClientsPerPipeline = 50
	}
	if p.RateLimiter.MaxClients == 0 {
		p.RateLimiter.MaxClients = p.Capacity.HardLimitClients
	}
	if p.RateLimiter.MaxClients == 0 {
		p.RateLimiter.MaxClients = 500
	}
	if p.RateLimiter.WindowMs == 0 {
		p.RateLimiter.WindowMs = 60_000
	}
	if p.RateLimiter.CleanupMs == 0 {
		p.RateLimiter.CleanupMs = 30_000
	}
	if p.Storage.Provider == "" {
		p.Storage.Provider = "supabase"
	}
	if p.Storage.FramesBucket == "" {
		p.Storage.FramesBucket = "face-frames"
	}
	if p.Storage.RetentionHours == 0 {
		p.Storage.RetentionHours = 24
	}
	if p.Storage.FallbackDir == "" {
		p.Storage.FallbackDir = "./data/objectstore"
	}
	if p.Queue.MaxRetries == 0 {
		p.Queue.MaxRetries = 3
	}
	if p.Queue.RetryBackoffMs == 0 {
		p.Queue.RetryBackoffMs = 250
	}
	if p.KV.Addr == "" {
		p.KV.Addr = "localhost:6379"
	}
	if p.Server.Port == "" {
		p.Server.Port = "8090"
	}
	if p.Server.StatusDir == "" {
		p.Server.StatusDir = "./data/status"
	}
	if p.Server.ReadTimeoutSec == 0 {
		p.Server.ReadTimeoutSec = 15
	}
	if p.Server.WriteTimeoutSec == 0 {
		p.Server.WriteTimeoutSec = 15
	}
	if p.Server.IdleTimeoutSec == 0 {
		p.Server.IdleTimeoutSec = 60
	}
	if p.Server.ShutdownTimeoutSec == 0 {
		p.Server.ShutdownTimeoutSec = 30
	}
	if p.Server.WSMessageTimeoutSec == 0 {
		p.Server.WSMessageTimeoutSec = 300
	}
	if p.Embedding.Namespace == "" {
		p.Embedding.Namespace = "default"
	}
	if p.Embedding.ModelName == "" {
		p.Embedding.ModelName = "arcface"
	}
	if p.Embedding.WeightsID == "" {
		p.Embedding.WeightsID = "r100-v1"
	}
	if p.Embedding.MetricName == "" {
		p.Embedding.MetricName = "cosine"
	}
	if p.Embedding.EnrolmentDir == "" {
		p.Embedding.EnrolmentDir = "./data/enrolment"
	}
	if p.Models.SpoofThreshold == 0 {
		p.Models.SpoofThreshold = 0.6
	}
	if p.Models.PhoneThreshold == 0 {
		p.Models.PhoneThreshold = 0.5
	}
	if p.Models.FaceThreshold == 0 {
		p.Models.FaceThreshold = 0.35
	}
	if p.Models.DistanceMetric == "" {
		p.Models.DistanceMetric = "cosine"
	}
}

// AllowedOriginsList splits ServerConfig.AllowedOrigins on commas.
func (s ServerConfig) AllowedOriginsList() []string {
	if s.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(s.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
