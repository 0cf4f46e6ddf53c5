package daemonsim

import (
	"context"
	"strings"
	"testing"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `
device:
  os: linux
  version: 2.13.0
  nucleusVersion: 2.13.0
  region: eu-west-1
  rootPath: /greengrass/v2
  thingName: gateway-7
  logStore: FILE
components:
  - name: aws.greengrass.Nucleus
    version: 2.13.0
    status: RUNNING
  - name: com.example.Sensor
    version: 1.2.0
    status: FINISHED
    canStart: true
    canStop: true
    config: |
      interval: 5
    dependencies:
      - name: aws.greengrass.Nucleus
        hard: true
clientDevices:
  - thingName: probe-1
    hasSession: true
extensions:
  - name: metrics
    url: http://localhost:8080/metrics.js
`

func TestLoadFixture(t *testing.T) {
	api, err := LoadFixture(strings.NewReader(fixture))
	require.NoError(t, err)
	ctx := context.Background()

	device, err := api.DeviceDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gateway-7", device.ThingName)
	assert.Equal(t, "eu-west-1", device.Region)

	list, err := api.Components(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aws.greengrass.Nucleus", list[0].Name, "components are sorted by name")

	graph, err := api.DependencyGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.DepGraphNode{
		{Name: "aws.greengrass.Nucleus", Children: []protocol.Dependency{}},
		{Name: "com.example.Sensor", Children: []protocol.Dependency{{Name: "aws.greengrass.Nucleus", Hard: true}}},
	}, graph)

	cfg, err := api.Config(ctx, "com.example.Sensor")
	require.NoError(t, err)
	assert.True(t, cfg.Successful)
	assert.Equal(t, "interval: 5\n", cfg.YAML)

	devices, err := api.ClientDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.ClientDevice{{ThingName: "probe-1", HasSession: true}}, devices.ClientDevices)

	exts, err := api.Extensions(ctx)
	require.NoError(t, err)
	assert.Len(t, exts, 1)
}

func TestLoadFixtureRejectsUnknownFields(t *testing.T) {
	_, err := LoadFixture(strings.NewReader("device:\n  color: blue\n"))
	assert.Error(t, err)
	_, err = LoadFixture(strings.NewReader("components:\n  - version: 1.0.0\n"))
	assert.Error(t, err)
}

func TestMemoryAPILifecycle(t *testing.T) {
	api := SampleAPI()
	ctx := context.Background()

	require.NoError(t, api.StartComponent(ctx, "com.example.HelloWorld"))
	c, err := api.Component(ctx, "com.example.HelloWorld")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRunning, c.Status)

	require.NoError(t, api.StopComponent(ctx, "com.example.HelloWorld"))
	c, _ = api.Component(ctx, "com.example.HelloWorld")
	assert.Equal(t, protocol.StatusFinished, c.Status)

	assert.Error(t, api.StopComponent(ctx, "aws.greengrass.Nucleus"), "the nucleus cannot be stopped")
	assert.ErrorIs(t, api.StartComponent(ctx, "missing"), ErrUnknownComponent)

	require.NoError(t, api.SetStatus("aws.greengrass.Nucleus", protocol.StatusBroken))
	require.NoError(t, api.ReinstallComponent(ctx, "aws.greengrass.Nucleus"))
	c, _ = api.Component(ctx, "aws.greengrass.Nucleus")
	assert.Equal(t, protocol.StatusRunning, c.Status)
}

func TestMemoryAPIUpdateConfig(t *testing.T) {
	api := SampleAPI()
	ctx := context.Background()

	res, err := api.UpdateConfig(ctx, "com.example.HelloWorld", "message: bonjour\n")
	require.NoError(t, err)
	assert.True(t, res.Successful)
	cfg, _ := api.Config(ctx, "com.example.HelloWorld")
	assert.Equal(t, "message: bonjour\n", cfg.YAML)

	res, err = api.UpdateConfig(ctx, "com.example.HelloWorld", "message: [unclosed")
	require.NoError(t, err, "invalid documents are reported in the message")
	assert.False(t, res.Successful)
	assert.Contains(t, res.ErrorMsg, "Invalid YAML")
	cfg, _ = api.Config(ctx, "com.example.HelloWorld")
	assert.Equal(t, "message: bonjour\n", cfg.YAML, "a rejected update leaves the config alone")

	res, _ = api.UpdateConfig(ctx, "missing", "a: 1")
	assert.False(t, res.Successful)
}

func TestMemoryAPIPlugin(t *testing.T) {
	api := SampleAPI()
	api.HandlePlugin("echo", func(_ context.Context, args []string) (any, error) {
		return args, nil
	})
	out, err := api.Plugin(context.Background(), []string{"echo", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)

	_, err = api.Plugin(context.Background(), []string{"nope"})
	assert.Error(t, err)
	_, err = api.Plugin(context.Background(), nil)
	assert.Error(t, err)
}
