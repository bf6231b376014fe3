package config

import "time"

// Config represents the complete groupfill configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Session  SessionConfig  `yaml:"session"`
	Action   ActionConfig   `yaml:"action"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Batches  []BatchConfig  `yaml:"batches"`
	Journal  JournalConfig  `yaml:"journal,omitempty"`
	API      APIConfig      `yaml:"api,omitempty"`
	Lock     LockConfig     `yaml:"lock,omitempty"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SessionConfig describes the remote session and which transport opens it.
type SessionConfig struct {
	// Transport names a registered session handler (exec, memory).
	Transport   string           `yaml:"transport"`
	EndpointURI string           `yaml:"endpoint_uri"`
	SchemaURI   string           `yaml:"schema_uri,omitempty"`
	Credential  CredentialConfig `yaml:"credential"`
	// InvokeTimeout bounds a single remote call. Zero means no timeout.
	InvokeTimeout time.Duration `yaml:"invoke_timeout,omitempty"`
	Exec          *ExecConfig   `yaml:"exec,omitempty"`
	Memory        *MemoryConfig `yaml:"memory,omitempty"`
}

// CredentialConfig holds the remote login. Password usually comes from ${ENV}.
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ExecConfig configures the subprocess transport.
type ExecConfig struct {
	Program string            `yaml:"program"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

// MemoryConfig configures the in-process transport used for dry runs.
type MemoryConfig struct {
	Latency     time.Duration `yaml:"latency,omitempty"`
	FailMembers []string      `yaml:"fail_members,omitempty"`
}

// ActionConfig maps a work item onto a remote command.
type ActionConfig struct {
	Command      string            `yaml:"command"`
	GroupParam   string            `yaml:"group_param"`
	MemberParam  string            `yaml:"member_param"`
	MemberFormat string            `yaml:"member_format"`
	Params       map[string]string `yaml:"params,omitempty"`
}

// DispatchConfig bounds the run.
type DispatchConfig struct {
	Parallelism int `yaml:"parallelism"`
	Universe    int `yaml:"universe"`
}

// BatchConfig fills one group. Universe falls back to dispatch.universe.
type BatchConfig struct {
	Group    string `yaml:"group"`
	Size     int    `yaml:"size"`
	Universe int    `yaml:"universe,omitempty"`
}

// JournalConfig enables the sqlite run journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the status HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// LockConfig defines the single-run lock file.
type LockConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with the reference run's defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "groupfill",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Session: SessionConfig{
			Transport: "exec",
		},
		Action: ActionConfig{
			Command:      "Add-DistributionGroupMember",
			GroupParam:   "Identity",
			MemberParam:  "Member",
			MemberFormat: "user%d",
		},
		Dispatch: DispatchConfig{
			Parallelism: 10,
			Universe:    6000,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Lock: LockConfig{
			Path: "./data/groupfill.lock",
		},
	}
}
