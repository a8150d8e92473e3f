// Package config loads the process configuration.
//
// The file is YAML. It is unified with an embedded CUE definition that
// supplies defaults and rejects unknown keys or out-of-range values, then
// decoded into an immutable Config passed by value to constructors.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/paysettle/internal/retry"
)

//go:embed schema.cue
var schemaSource string

// Database selects the store dialect.
type Database struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Workflow bounds a settlement run.
type Workflow struct {
	PageSize       int   `json:"page_size"`
	MaxGenerations int64 `json:"max_generations"`
}

// HTTP configures the trigger API.
type HTTP struct {
	Listen string `json:"listen"`
	// JWTSecret enables HS256 bearer auth when non-empty.
	JWTSecret string `json:"jwt_secret"`
}

// Config is the full process configuration.
type Config struct {
	Database Database
	Workflow Workflow
	Retry    retry.Policy
	Workers  int
	HTTP     HTTP
}

// document mirrors #Config as decoded from CUE.
type document struct {
	Database Database `json:"database"`
	Workflow Workflow `json:"workflow"`
	Retry    struct {
		InitialDelay       string  `json:"initial_delay"`
		BackoffCoefficient float64 `json:"backoff_coefficient"`
		MaxAttempts        int     `json:"max_attempts"`
		MaxDelay           string  `json:"max_delay"`
	} `json:"retry"`
	Engine struct {
		Workers int `json:"workers"`
	} `json:"engine"`
	HTTP HTTP `json:"http"`
}

// Default returns the configuration of an empty file.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

// Load reads and parses the file at path. An empty path yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates YAML data against the schema and applies defaults.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate: %w", err)
	}

	var doc document
	if err := value.Decode(&doc); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	return doc.build()
}

func (d document) build() (Config, error) {
	initial, err := time.ParseDuration(d.Retry.InitialDelay)
	if err != nil {
		return Config{}, fmt.Errorf("retry.initial_delay: %w", err)
	}
	maxDelay, err := time.ParseDuration(d.Retry.MaxDelay)
	if err != nil {
		return Config{}, fmt.Errorf("retry.max_delay: %w", err)
	}
	policy := retry.Policy{
		InitialDelay:       initial,
		BackoffCoefficient: d.Retry.BackoffCoefficient,
		MaxAttempts:        d.Retry.MaxAttempts,
		MaxDelay:           maxDelay,
	}
	if err := policy.Validate(); err != nil {
		return Config{}, err
	}
	return Config{
		Database: d.Database,
		Workflow: d.Workflow,
		Retry:    policy,
		Workers:  d.Engine.Workers,
		HTTP:     d.HTTP,
	}, nil
}
