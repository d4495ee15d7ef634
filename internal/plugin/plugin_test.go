package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/config"
	"github.com/forge-cluster/forge/internal/mcpshell"
)

type fakePlugin struct {
	initErr, startErr error
	stopped           *[]string
	name              string
}

func (p *fakePlugin) Init(ctx context.Context) error { return p.initErr }
func (p *fakePlugin) Start() error                    { return p.startErr }
func (p *fakePlugin) Stop() error {
	*p.stopped = append(*p.stopped, p.name)
	return nil
}
func (p *fakePlugin) Tools() map[string]mcpshell.ToolFunc {
	return map[string]mcpshell.ToolFunc{
		p.name + ".echo": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args, nil
		},
	}
}

func TestLoadStartsEnabledPluginsAndMergesTools(t *testing.T) {
	host := mcpshell.NewHost()
	loader := NewLoader(host)
	loader.Register("fake", func(cfg config.PluginEntry) (Plugin, error) {
		return &fakePlugin{name: cfg.Name, stopped: &[]string{}}, nil
	})

	loader.Load(context.Background(), []config.PluginEntry{
		{Name: "a", Kind: "fake", Enabled: true},
		{Name: "b", Kind: "fake", Enabled: false},
	})

	require.Contains(t, host.ToolNames(), "a.echo")
	require.NotContains(t, host.ToolNames(), "b.echo")
}

func TestLoadContinuesPastFailingPlugin(t *testing.T) {
	host := mcpshell.NewHost()
	loader := NewLoader(host)
	loader.Register("fake", func(cfg config.PluginEntry) (Plugin, error) {
		p := &fakePlugin{name: cfg.Name, stopped: &[]string{}}
		if cfg.Name == "broken" {
			p.initErr = context.Canceled
		}
		return p, nil
	})

	loader.Load(context.Background(), []config.PluginEntry{
		{Name: "broken", Kind: "fake", Enabled: true},
		{Name: "healthy", Kind: "fake", Enabled: true},
	})

	require.Contains(t, host.ToolNames(), "healthy.echo")
	require.NotContains(t, host.ToolNames(), "broken.echo")
}

func TestShutdownStopsInReverseOrder(t *testing.T) {
	host := mcpshell.NewHost()
	loader := NewLoader(host)
	var stopped []string
	loader.Register("fake", func(cfg config.PluginEntry) (Plugin, error) {
		return &fakePlugin{name: cfg.Name, stopped: &stopped}, nil
	})
	loader.Load(context.Background(), []config.PluginEntry{
		{Name: "first", Kind: "fake", Enabled: true},
		{Name: "second", Kind: "fake", Enabled: true},
	})
	loader.Shutdown()
	require.Equal(t, []string{"second", "first"}, stopped)
}
