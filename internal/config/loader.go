package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var memberVerbPattern = regexp.MustCompile(`%[-+# 0-9]*d`)

// Load reads, interpolates, defaults and validates a configuration file.
// A directory path is treated as <dir>/config.yaml. When a .checksums
// manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	if err := VerifyLocked(absPath, data); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns a user supplied path into an absolute config file path.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func interpolateConfig(cfg *Config) {
	cfg.Session.EndpointURI = interpolateEnv(cfg.Session.EndpointURI)
	cfg.Session.SchemaURI = interpolateEnv(cfg.Session.SchemaURI)
	cfg.Session.Credential.Username = interpolateEnv(cfg.Session.Credential.Username)
	cfg.Session.Credential.Password = interpolateEnv(cfg.Session.Credential.Password)
	cfg.API.APIKey = interpolateEnv(cfg.API.APIKey)
	if cfg.Session.Exec != nil {
		for k, v := range cfg.Session.Exec.Env {
			cfg.Session.Exec.Env[k] = interpolateEnv(v)
		}
	}
}

func applyConfigDefaults(cfg *Config) {
	for i := range cfg.Batches {
		if cfg.Batches[i].Universe == 0 {
			cfg.Batches[i].Universe = cfg.Dispatch.Universe
		}
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Session.Transport = strings.ToLower(strings.TrimSpace(cfg.Session.Transport))
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left in
// place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func checkResolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.Session.Transport == "" {
		return fmt.Errorf("session.transport is required")
	}
	if cfg.Session.EndpointURI == "" {
		return fmt.Errorf("session.endpoint_uri is required")
	}
	if cfg.Session.InvokeTimeout < 0 {
		return fmt.Errorf("session.invoke_timeout must not be negative")
	}
	for field, value := range map[string]string{
		"session.endpoint_uri":        cfg.Session.EndpointURI,
		"session.schema_uri":          cfg.Session.SchemaURI,
		"session.credential.username": cfg.Session.Credential.Username,
		"session.credential.password": cfg.Session.Credential.Password,
	} {
		if err := checkResolved(field, value); err != nil {
			return err
		}
	}
	if cfg.Session.Transport == "exec" && (cfg.Session.Exec == nil || cfg.Session.Exec.Program == "") {
		return fmt.Errorf("session.exec.program is required for the exec transport")
	}

	if cfg.Action.Command == "" {
		return fmt.Errorf("action.command is required")
	}
	if cfg.Action.GroupParam == "" || cfg.Action.MemberParam == "" {
		return fmt.Errorf("action.group_param and action.member_param are required")
	}
	if cfg.Action.GroupParam == cfg.Action.MemberParam {
		return fmt.Errorf("action.group_param and action.member_param must differ")
	}
	if n := len(memberVerbPattern.FindAllString(cfg.Action.MemberFormat, -1)); n != 1 ||
		strings.Count(cfg.Action.MemberFormat, "%") != 1 {
		return fmt.Errorf("action.member_format must contain exactly one integer verb (got %q)", cfg.Action.MemberFormat)
	}
	for name := range cfg.Action.Params {
		if name == cfg.Action.GroupParam || name == cfg.Action.MemberParam {
			return fmt.Errorf("action.params.%s collides with the group/member parameter", name)
		}
	}

	if cfg.Dispatch.Parallelism < 1 {
		return fmt.Errorf("dispatch.parallelism must be at least 1")
	}
	if cfg.Dispatch.Universe < 1 {
		return fmt.Errorf("dispatch.universe must be at least 1")
	}

	if len(cfg.Batches) == 0 {
		return fmt.Errorf("at least one batch is required")
	}
	for i, b := range cfg.Batches {
		if strings.TrimSpace(b.Group) == "" {
			return fmt.Errorf("batches[%d].group is required", i)
		}
		if b.Size < 0 {
			return fmt.Errorf("batches[%d].size must not be negative", i)
		}
		if b.Universe < 1 {
			return fmt.Errorf("batches[%d].universe must be at least 1", i)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if err := checkResolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}
	return nil
}
