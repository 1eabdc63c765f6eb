// Package catalog loads the gateway's source table from YAML, watches it for
// appended sources and persists sources added at runtime.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"unimcp/internal/domain"
)

type Loader struct {
	logger  *zap.Logger
	bridges map[string]struct{}
}

type rawTable struct {
	Reconnect rawReconnect `mapstructure:"reconnect"`
	Sources   []rawSource  `mapstructure:"sources"`
}

type rawReconnect struct {
	MaxAttempts int `mapstructure:"maxAttempts"`
	BaseDelayMs int `mapstructure:"baseDelayMs"`
}

type rawSource struct {
	ID            string   `mapstructure:"id"`
	Name          string   `mapstructure:"name"`
	Type          string   `mapstructure:"type"`
	URL           string   `mapstructure:"url"`
	ListPath      string   `mapstructure:"listPath"`
	CallPath      string   `mapstructure:"callPath"`
	ResponseShape string   `mapstructure:"responseShape"`
	Bridge        string   `mapstructure:"bridge"`
	Enabled       *bool    `mapstructure:"enabled"`
	ToolCount     int      `mapstructure:"toolCount"`
	Categories    []string `mapstructure:"categories"`
}

func newTableViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("reconnect.maxAttempts", domain.DefaultMaxReconnect)
	v.SetDefault("reconnect.baseDelayMs", int(domain.DefaultReconnectBaseDelay.Milliseconds()))
	return v
}

// NewLoader returns a loader that accepts bridge sources naming one of
// knownBridges.
func NewLoader(logger *zap.Logger, knownBridges ...string) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	bridges := make(map[string]struct{}, len(knownBridges))
	for _, name := range knownBridges {
		bridges[name] = struct{}{}
	}
	return &Loader{logger: logger.Named("catalog"), bridges: bridges}
}

func (l *Loader) Load(ctx context.Context, path string) (domain.SourceTable, error) {
	if strings.TrimSpace(path) == "" {
		return domain.SourceTable{}, errors.New("source table path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SourceTable{}, fmt.Errorf("read source table: %w", err)
	}
	table, err := l.Parse(data)
	if err != nil {
		return domain.SourceTable{}, fmt.Errorf("%s: %w", path, err)
	}
	return table, ctx.Err()
}

// Parse decodes and validates a YAML source table.
func (l *Loader) Parse(data []byte) (domain.SourceTable, error) {
	expanded, missing, err := expandEnv(data)
	if err != nil {
		return domain.SourceTable{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in source table", zap.Strings("missing", missing))
	}

	v := newTableViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.SourceTable{}, fmt.Errorf("parse source table: %w", err)
	}
	var raw rawTable
	if err := v.Unmarshal(&raw); err != nil {
		return domain.SourceTable{}, fmt.Errorf("decode source table: %w", err)
	}

	table := domain.SourceTable{
		Reconnect: domain.ReconnectConfig{
			MaxAttempts: raw.Reconnect.MaxAttempts,
			BaseDelayMs: raw.Reconnect.BaseDelayMs,
		},
		Sources: make([]domain.SourceSpec, 0, len(raw.Sources)),
	}
	for _, src := range raw.Sources {
		table.Sources = append(table.Sources, normalizeSource(src))
	}
	if err := l.Validate(table); err != nil {
		return domain.SourceTable{}, err
	}
	return table, nil
}

func normalizeSource(raw rawSource) domain.SourceSpec {
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	kind := domain.NormalizeAccessKind(raw.Type)
	if strings.TrimSpace(raw.Type) == "" {
		switch {
		case strings.TrimSpace(raw.Bridge) != "":
			kind = domain.AccessBridge
		case strings.HasPrefix(raw.URL, "ws://"), strings.HasPrefix(raw.URL, "wss://"):
			kind = domain.AccessWebSocket
		default:
			kind = domain.AccessHTTP
		}
	}
	return domain.SourceSpec{
		ID:            strings.TrimSpace(raw.ID),
		Name:          strings.TrimSpace(raw.Name),
		Type:          kind,
		URL:           strings.TrimSpace(raw.URL),
		ListPath:      strings.TrimSpace(raw.ListPath),
		CallPath:      strings.TrimSpace(raw.CallPath),
		ResponseShape: strings.TrimSpace(raw.ResponseShape),
		Bridge:        strings.TrimSpace(raw.Bridge),
		Enabled:       enabled,
		ToolCount:     raw.ToolCount,
		Categories:    raw.Categories,
	}
}

// Validate checks every entry and reports all problems at once.
func (l *Loader) Validate(table domain.SourceTable) error {
	var problems []string
	if table.Reconnect.MaxAttempts < 0 {
		problems = append(problems, "reconnect.maxAttempts must be >= 0")
	}
	if table.Reconnect.BaseDelayMs <= 0 {
		problems = append(problems, "reconnect.baseDelayMs must be > 0")
	}

	seen := make(map[string]struct{}, len(table.Sources))
	for i, spec := range table.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if err := domain.ValidateSourceID(spec.ID); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", prefix, err))
			continue
		}
		if _, dup := seen[spec.ID]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate id %q", prefix, spec.ID))
			continue
		}
		seen[spec.ID] = struct{}{}

		switch spec.Type {
		case domain.AccessBridge:
			if _, ok := l.bridges[spec.Bridge]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown bridge %q", prefix, spec.Bridge))
			}
		case domain.AccessHTTP, domain.AccessWebSocket:
			if _, err := spec.ToSource(); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", prefix, err))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unsupported type %q", prefix, spec.Type))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
