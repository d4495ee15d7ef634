// Package plugin implements the core's Init/Start/Stop plugin
// lifecycle and hands merged tool/resource registries to the
// mcpshell host, grounded on the teacher's pkg/plugin/loader.go.
package plugin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/config"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/mcpshell"
)

// Plugin is implemented by every loadable module.
type Plugin interface {
	Init(ctx context.Context) error
	Start() error
	Stop() error
}

// ToolProvider is optionally implemented by a Plugin to contribute
// tool handlers to the mcpshell host.
type ToolProvider interface {
	Tools() map[string]mcpshell.ToolFunc
}

// ResourceProvider is optionally implemented by a Plugin to contribute
// resource handlers to the mcpshell host.
type ResourceProvider interface {
	Resources() map[string]mcpshell.ResourceFunc
}

// Factory constructs a Plugin instance from its configuration entry.
type Factory func(cfg config.PluginEntry) (Plugin, error)

// Loader owns the registered plugin factories and the set currently
// running, in init order, for correct reverse-order shutdown.
type Loader struct {
	factories map[string]Factory
	host      *mcpshell.Host
	logger    zerolog.Logger

	started []startedPlugin
}

type startedPlugin struct {
	name string
	p    Plugin
}

// NewLoader constructs a Loader that merges tool/resource registries
// into host.
func NewLoader(host *mcpshell.Host) *Loader {
	return &Loader{
		factories: make(map[string]Factory),
		host:      host,
		logger:    logging.WithComponent("plugin"),
	}
}

// Register associates a plugin kind name with its Factory. Call before Load.
func (l *Loader) Register(kind string, factory Factory) {
	l.factories[kind] = factory
}

// Load initializes and starts every enabled plugin in cfgs, in order.
// A failing plugin is logged and skipped; the core keeps running.
func (l *Loader) Load(ctx context.Context, cfgs []config.PluginEntry) {
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		factory, ok := l.factories[cfg.Kind]
		if !ok {
			l.logger.Error().Str("plugin", cfg.Name).Str("kind", cfg.Kind).Msg("unknown plugin kind")
			continue
		}
		p, err := factory(cfg)
		if err != nil {
			l.logger.Error().Err(err).Str("plugin", cfg.Name).Msg("construct plugin")
			continue
		}
		if err := p.Init(ctx); err != nil {
			l.logger.Error().Err(err).Str("plugin", cfg.Name).Msg("init plugin")
			continue
		}
		if err := p.Start(); err != nil {
			l.logger.Error().Err(err).Str("plugin", cfg.Name).Msg("start plugin")
			continue
		}
		l.started = append(l.started, startedPlugin{name: cfg.Name, p: p})

		var tools map[string]mcpshell.ToolFunc
		if tp, ok := p.(ToolProvider); ok {
			tools = tp.Tools()
		}
		var resources map[string]mcpshell.ResourceFunc
		if rp, ok := p.(ResourceProvider); ok {
			resources = rp.Resources()
		}
		if collisions := l.host.Merge(tools, resources); len(collisions) > 0 {
			l.logger.Warn().Str("plugin", cfg.Name).Strs("collisions", collisions).Msg("plugin tool/resource name collision, first registration wins")
		}
		l.logger.Info().Str("plugin", cfg.Name).Str("kind", cfg.Kind).Msg("plugin started")
	}
}

// Shutdown stops every started plugin in the reverse of its init order.
func (l *Loader) Shutdown() {
	for i := len(l.started) - 1; i >= 0; i-- {
		sp := l.started[i]
		if err := sp.p.Stop(); err != nil {
			l.logger.Error().Err(err).Str("plugin", sp.name).Msg("stop plugin")
		}
	}
	l.started = nil
}
