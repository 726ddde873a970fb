package config

import (
	"time"
)

// Duration lets toml decode "1h", "300s" style strings
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ProjectConfig represents the evolve.toml project file
type ProjectConfig struct {
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Approvers ApproversConfig `toml:"approvers"`
	LLM       LLMConfig       `toml:"llm"`
	Git       GitConfig       `toml:"git"`
	Build     BuildConfig     `toml:"build"`
	Package   PackageConfig   `toml:"package"`
	Rollout   RolloutConfig   `toml:"rollout"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	Server    ServerConfig    `toml:"server"`
}

// PipelineConfig holds the guardrail knobs
type PipelineConfig struct {
	DailyCap       int      `toml:"daily_cap"`
	ApprovalTTL    Duration `toml:"approval_ttl"`
	RolloutTimeout Duration `toml:"rollout_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
	// Timezone used to decide what "today" means for the daily cap
	Timezone string `toml:"timezone"`
}

// ApproversConfig lists who may act on proposals. An empty Users list lets any
// identified user approve or reject.
type ApproversConfig struct {
	Users     []string `toml:"users"`
	Deployers []string `toml:"deployers"`
	// Policy is an optional casbin policy CSV merged with the lists above
	Policy string `toml:"policy"`
}

// LLMConfig selects the model backend used for risk assessment and change generation
type LLMConfig struct {
	Provider  string `toml:"provider"` // gemini, openai, static
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
}

// GitConfig configures the version control adapter
type GitConfig struct {
	Remote       string `toml:"remote"`
	Mainline     string `toml:"mainline"`
	BranchPrefix string `toml:"branch_prefix"`
	AuthorName   string `toml:"author_name"`
	AuthorEmail  string `toml:"author_email"`
	// ReviewCommand opens a review request for the pushed branch (e.g. gh pr create)
	ReviewCommand []string `toml:"review_command"`
}

// BuildConfig configures the build step
type BuildConfig struct {
	Command []string `toml:"command"`
	Image   string   `toml:"image"`
}

// PackageConfig configures packaging and publishing
type PackageConfig struct {
	Chart      string `toml:"chart"`
	Repository string `toml:"repository"`
	BaseURL    string `toml:"base_url"`
}

// RolloutConfig configures the orchestrator
type RolloutConfig struct {
	Driver     string `toml:"driver"` // helm, kubernetes
	Namespace  string `toml:"namespace"`
	Release    string `toml:"release"`
	Deployment string `toml:"deployment"`
	Container  string `toml:"container"`
	Kubeconfig string `toml:"kubeconfig"`
}

// StoreConfig selects the audit store and pending-approval table backends
type StoreConfig struct {
	Driver   string `toml:"driver"`  // file, sqlite
	Path     string `toml:"path"`    // sqlite database path
	Pending  string `toml:"pending"` // store, redis
	RedisURL string `toml:"redis_url"`
}

// NotifyConfig configures where results are reported
type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

// ServerConfig configures the HTTP callback server
type ServerConfig struct {
	Addr string `toml:"addr"`
	Rate string `toml:"rate"` // ulule/limiter format, e.g. "60-M"
	// PublicURL is where chat users reach the callback server
	PublicURL string `toml:"public_url"`
	// TokenEnv names the variable holding the bearer token callers must send
	TokenEnv string `toml:"token_env"`
}

// DefaultProjectConfig returns the configuration used when evolve.toml omits a value
func DefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Pipeline: PipelineConfig{
			DailyCap:       5,
			ApprovalTTL:    Duration{time.Hour},
			RolloutTimeout: Duration{300 * time.Second},
			SweepInterval:  Duration{time.Minute},
			Timezone:       "Local",
		},
		LLM: LLMConfig{
			Provider:  "gemini",
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		Git: GitConfig{
			Remote:       "origin",
			Mainline:     "main",
			BranchPrefix: "evolve/",
			AuthorName:   "evolve",
			AuthorEmail:  "evolve@localhost",
		},
		Build: BuildConfig{
			Command: []string{"go", "build", "./..."},
		},
		Package: PackageConfig{
			Chart:      "deploy/chart",
			Repository: ".evolve/charts",
		},
		Rollout: RolloutConfig{
			Driver:    "helm",
			Namespace: "default",
		},
		Store: StoreConfig{
			Driver:  "file",
			Pending: "store",
		},
		Server: ServerConfig{
			Addr:     ":8080",
			Rate:     "60-M",
			TokenEnv: "EVOLVE_SERVER_TOKEN",
		},
	}
}
