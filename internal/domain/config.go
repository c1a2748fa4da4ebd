package domain

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	// Timezones must resolve in minimal images without a system zoneinfo.
	_ "time/tzdata"
)

// ErrInvalidConfig marks configuration invariant violations. These are
// startup errors, never per-account errors.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the complete Kestrel configuration.
type Config struct {
	Server     ServerConfig     `json:"server" koanf:"server"`
	Repository RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" koanf:"event_bus"`
	Worker     WorkerConfig     `json:"worker" koanf:"worker"`
	Scoring    ScoringConfig    `json:"scoring" koanf:"scoring"`

	// Observability
	Logging LoggingConfig `json:"logging" koanf:"logging"`
	Tracing TracingConfig `json:"tracing" koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port"`
	ReadTimeout  int    `json:"readTimeout" koanf:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"write_timeout"` // seconds
}

// WorkerConfig controls the bus-driven scoring worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" koanf:"enabled"`

	// Concurrency bounds the number of snapshots scored at once.
	Concurrency int `json:"concurrency" koanf:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level"`   // debug, info, warn, error
	Format string `json:"format" koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" koanf:"enabled"`
	ServiceName string `json:"serviceName" koanf:"service_name"`
}

// ScoringConfig is the single source of every threshold and weight. The
// engine and the admin display endpoint both read it.
type ScoringConfig struct {
	Weights  WeightTable    `json:"weights" koanf:"weights"`
	Bands    RiskBands      `json:"bands" koanf:"bands"`
	Profile  ProfileLimits  `json:"profile" koanf:"profile"`
	Behavior BehaviorLimits `json:"behavior" koanf:"behavior"`
	Network  NetworkLimits  `json:"network" koanf:"network"`
	Content  ContentLimits  `json:"content" koanf:"content"`
	Dispatch DispatchConfig `json:"dispatch" koanf:"dispatch"`
	Rules    []*RuleConfig  `json:"rules,omitempty" koanf:"rules"`

	// BatchSize bounds how many accounts of a batch are scored at once.
	BatchSize int `json:"batchSize" koanf:"batch_size"`
}

// WeightTable holds the per-dimension aggregation weights. They must sum to 1.
type WeightTable struct {
	Profile  float64 `json:"profile" koanf:"profile"`
	Behavior float64 `json:"behavior" koanf:"behavior"`
	Network  float64 `json:"network" koanf:"network"`
	Content  float64 `json:"content" koanf:"content"`
}

// Of returns the weight of dimension d.
func (w WeightTable) Of(d Dimension) float64 {
	switch d {
	case DimensionProfile:
		return w.Profile
	case DimensionBehavior:
		return w.Behavior
	case DimensionNetwork:
		return w.Network
	case DimensionContent:
		return w.Content
	}
	return 0
}

// Sum returns the total of all weights.
func (w WeightTable) Sum() float64 {
	return w.Profile + w.Behavior + w.Network + w.Content
}

// RiskBands holds the inclusive lower bound of each tier above minimal.
type RiskBands struct {
	Low    float64 `json:"low" koanf:"low"`
	Medium float64 `json:"medium" koanf:"medium"`
	High   float64 `json:"high" koanf:"high"`
}

// ProfileLimits configures the profile detector.
type ProfileLimits struct {
	DisposableEmailPatterns []string `json:"disposableEmailPatterns" koanf:"disposable_email_patterns"`

	// MinCompleteness flags profiles whose completeness ratio is below it.
	MinCompleteness float64 `json:"minCompleteness" koanf:"min_completeness"`
}

// BehaviorLimits configures the behavior detector and its window evaluator.
type BehaviorLimits struct {
	ExcessiveLikes         int     `json:"excessiveLikes" koanf:"excessive_likes"`
	RapidMessageIntervalMs float64 `json:"rapidMessageIntervalMs" koanf:"rapid_message_interval_ms"`
	MaxDuplicateMessages   int     `json:"maxDuplicateMessages" koanf:"max_duplicate_messages"`
	MaxReports             int     `json:"maxReports" koanf:"max_reports"`
	LikesPerHour           int     `json:"likesPerHour" koanf:"likes_per_hour"`
	MessagesPerHour        int     `json:"messagesPerHour" koanf:"messages_per_hour"`

	// Unusual hours are [UnusualHourStart, UnusualHourEnd] inclusive, in Timezone.
	UnusualHourStart  int     `json:"unusualHourStart" koanf:"unusual_hour_start"`
	UnusualHourEnd    int     `json:"unusualHourEnd" koanf:"unusual_hour_end"`
	UnusualHoursRatio float64 `json:"unusualHoursRatio" koanf:"unusual_hours_ratio"`
	Timezone          string  `json:"timezone" koanf:"timezone"`
}

// NetworkLimits configures the network detector.
type NetworkLimits struct {
	PrivateCIDRs     []string `json:"privateCidrs" koanf:"private_cidrs"`
	MaxAccountsPerIP int      `json:"maxAccountsPerIp" koanf:"max_accounts_per_ip"`
	MaxDevices       int      `json:"maxDevices" koanf:"max_devices"`

	// FanoutLookupTimeout bounds the cross-account index lookup.
	FanoutLookupTimeout time.Duration `json:"fanoutLookupTimeout" koanf:"fanout_lookup_timeout"`

	// FanoutTTL is how long an account stays in an IP's account set.
	FanoutTTL time.Duration `json:"fanoutTtl" koanf:"fanout_ttl"`

	// Consecutive failed lookups that open the fan-out breaker, and how long
	// it stays open before probing the cache again.
	FanoutBreakerFailures int           `json:"fanoutBreakerFailures" koanf:"fanout_breaker_failures"`
	FanoutBreakerCooldown time.Duration `json:"fanoutBreakerCooldown" koanf:"fanout_breaker_cooldown"`
}

// ContentLimits configures the content detector.
type ContentLimits struct {
	SpamKeywords       []string `json:"spamKeywords" koanf:"spam_keywords"`
	InappropriateTerms []string `json:"inappropriateTerms" koanf:"inappropriate_terms"`
	MaxURLMessages     int      `json:"maxUrlMessages" koanf:"max_url_messages"`
	MaxURLRatio        float64  `json:"maxUrlRatio" koanf:"max_url_ratio"`
}

// DispatchConfig configures the auto-flagging dispatcher.
type DispatchConfig struct {
	DedupWindow time.Duration `json:"dedupWindow" koanf:"dedup_window"`
}

// Limits exposes the numeric thresholds to rule expressions as doubles.
func (s ScoringConfig) Limits() map[string]float64 {
	return map[string]float64{
		"min_completeness":          s.Profile.MinCompleteness,
		"excessive_likes":           float64(s.Behavior.ExcessiveLikes),
		"rapid_message_interval_ms": s.Behavior.RapidMessageIntervalMs,
		"max_duplicate_messages":    float64(s.Behavior.MaxDuplicateMessages),
		"max_reports":               float64(s.Behavior.MaxReports),
		"likes_per_hour":            float64(s.Behavior.LikesPerHour),
		"messages_per_hour":         float64(s.Behavior.MessagesPerHour),
		"unusual_hours_ratio":       s.Behavior.UnusualHoursRatio,
		"max_accounts_per_ip":       float64(s.Network.MaxAccountsPerIP),
		"max_devices":               float64(s.Network.MaxDevices),
		"max_url_messages":          float64(s.Content.MaxURLMessages),
		"max_url_ratio":             s.Content.MaxURLRatio,
	}
}

// weightTolerance absorbs float rounding when summing the weight table.
const weightTolerance = 1e-9

// Validate checks every configuration invariant and reports all violations.
func (s ScoringConfig) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	for _, d := range Dimensions {
		if w := s.Weights.Of(d); w < 0 || w > 1 {
			fail("weight for %s must be within [0,1], got %v", d, w)
		}
	}
	if sum := s.Weights.Sum(); math.Abs(sum-1.0) > weightTolerance {
		fail("dimension weights must sum to 1.0, got %v", sum)
	}

	b := s.Bands
	if !(0 < b.Low && b.Low < b.Medium && b.Medium < b.High && b.High <= 1) {
		fail("risk bands must be strictly increasing within (0,1], got low=%v medium=%v high=%v", b.Low, b.Medium, b.High)
	}

	if s.Profile.MinCompleteness < 0 || s.Profile.MinCompleteness > 1 {
		fail("profile.min_completeness must be within [0,1], got %v", s.Profile.MinCompleteness)
	}

	bh := s.Behavior
	if bh.ExcessiveLikes <= 0 || bh.LikesPerHour <= 0 || bh.MessagesPerHour <= 0 {
		fail("behavior like/message limits must be positive")
	}
	if bh.RapidMessageIntervalMs <= 0 {
		fail("behavior.rapid_message_interval_ms must be positive, got %v", bh.RapidMessageIntervalMs)
	}
	if bh.MaxDuplicateMessages < 1 || bh.MaxReports < 0 {
		fail("behavior duplicate/report limits out of range")
	}
	if bh.UnusualHourStart < 0 || bh.UnusualHourEnd > 23 || bh.UnusualHourStart > bh.UnusualHourEnd {
		fail("unusual hours must satisfy 0 <= start <= end <= 23, got [%d,%d]", bh.UnusualHourStart, bh.UnusualHourEnd)
	}
	if bh.UnusualHoursRatio <= 0 || bh.UnusualHoursRatio > 1 {
		fail("behavior.unusual_hours_ratio must be within (0,1], got %v", bh.UnusualHoursRatio)
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		fail("behavior.timezone %q: %v", bh.Timezone, err)
	}

	for _, cidr := range s.Network.PrivateCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			fail("network.private_cidrs entry %q: %v", cidr, err)
		}
	}
	if s.Network.MaxAccountsPerIP < 1 || s.Network.MaxDevices < 1 {
		fail("network account/device limits must be positive")
	}

	if s.Content.MaxURLMessages < 0 || s.Content.MaxURLRatio <= 0 || s.Content.MaxURLRatio > 1 {
		fail("content url limits out of range")
	}

	for _, r := range s.Rules {
		if r == nil {
			continue
		}
		if r.ID == "" {
			fail("rule id is required")
		}
		if !r.Dimension.Valid() {
			fail("rule %s: unknown dimension %q", r.ID, r.Dimension)
		}
		if r.Weight < 0 || r.Weight > 1 {
			fail("rule %s: weight must be within [0,1], got %v", r.ID, r.Weight)
		}
	}

	if s.BatchSize <= 0 {
		fail("scoring.batch_size must be positive, got %d", s.BatchSize)
	}

	return errors.Join(errs...)
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: server.port out of range: %d", ErrInvalidConfig, c.Server.Port))
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultScoringConfig returns the stock thresholds and weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: WeightTable{
			Profile:  0.25,
			Behavior: 0.35,
			Network:  0.20,
			Content:  0.20,
		},
		Bands: RiskBands{
			Low:    0.30,
			Medium: 0.60,
			High:   0.80,
		},
		Profile: ProfileLimits{
			DisposableEmailPatterns: []string{
				"tempmail",
				"10minutemail",
				"guerrillamail",
				"throwaway",
				"disposable",
				"mailinator",
				"yopmail",
			},
			MinCompleteness: 0.5,
		},
		Behavior: BehaviorLimits{
			ExcessiveLikes:         100,
			RapidMessageIntervalMs: 10_000,
			MaxDuplicateMessages:   2,
			MaxReports:             2,
			LikesPerHour:           100,
			MessagesPerHour:        50,
			UnusualHourStart:       2,
			UnusualHourEnd:         5,
			UnusualHoursRatio:      0.5,
			Timezone:               "UTC",
		},
		Network: NetworkLimits{
			PrivateCIDRs: []string{
				"10.0.0.0/8",
				"172.16.0.0/12",
				"192.168.0.0/16",
				"127.0.0.0/8",
			},
			MaxAccountsPerIP:      3,
			MaxDevices:            2,
			FanoutLookupTimeout:   200 * time.Millisecond,
			FanoutTTL:             30 * 24 * time.Hour,
			FanoutBreakerFailures: 5,
			FanoutBreakerCooldown: 30 * time.Second,
		},
		Content: ContentLimits{
			SpamKeywords: []string{
				"gratis",
				"dinero fácil",
				"click aquí",
				"oferta",
				"ganancia",
			},
			InappropriateTerms: []string{
				"escort",
				"nudes",
				"webcam privada",
				"drogas",
			},
			MaxURLMessages: 3,
			MaxURLRatio:    0.5,
		},
		Dispatch: DispatchConfig{
			DedupWindow: time.Hour,
		},
		BatchSize: 10,
	}
}

// DefaultConfig returns a default configuration: SQLite, in-memory cache,
// channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 10,
		},
		Scoring: DefaultScoringConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}
