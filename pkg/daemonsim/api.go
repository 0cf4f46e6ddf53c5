// pkg/daemonsim/api.go
package daemonsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// ErrUnknownComponent is returned for calls naming a component that is not
// installed.
var ErrUnknownComponent = errors.New("unknown component")

// API serves the daemon's unary calls.
type API interface {
	DeviceDetails(ctx context.Context) (protocol.DeviceDetails, error)
	Components(ctx context.Context) ([]protocol.ComponentDetails, error)
	Component(ctx context.Context, name string) (protocol.ComponentDetails, error)
	Extensions(ctx context.Context) ([]protocol.Extension, error)
	StartComponent(ctx context.Context, name string) error
	StopComponent(ctx context.Context, name string) error
	ReinstallComponent(ctx context.Context, name string) error
	Config(ctx context.Context, name string) (protocol.ConfigMessage, error)
	UpdateConfig(ctx context.Context, name, document string) (protocol.ConfigMessage, error)
	DependencyGraph(ctx context.Context) ([]protocol.DepGraphNode, error)
	ClientDevices(ctx context.Context) (protocol.ListClientDevicesResponse, error)
	Plugin(ctx context.Context, args []string) (any, error)
}

// PluginFunc serves pluginCall for one plugin; args exclude the plugin name.
type PluginFunc func(ctx context.Context, args []string) (any, error)

type component struct {
	details protocol.ComponentDetails
	config  string
	deps    []protocol.Dependency
}

// MemoryAPI is an in-memory API. It is safe for concurrent use.
type MemoryAPI struct {
	mu         sync.RWMutex
	device     protocol.DeviceDetails
	components map[string]*component
	devices    []protocol.ClientDevice
	extensions []protocol.Extension
	plugins    map[string]PluginFunc
}

// NewMemoryAPI returns an API for a device with no components.
func NewMemoryAPI(device protocol.DeviceDetails) *MemoryAPI {
	return &MemoryAPI{
		device:     device,
		components: make(map[string]*component),
		plugins:    make(map[string]PluginFunc),
	}
}

// AddComponent installs or replaces a component.
func (m *MemoryAPI) AddComponent(details protocol.ComponentDetails, config string, deps ...protocol.Dependency) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if details.Status == "" {
		details.Status = protocol.StatusInstalled
	}
	m.components[details.Name] = &component{details: details, config: config, deps: deps}
}

// AddClientDevice registers a client device.
func (m *MemoryAPI) AddClientDevice(d protocol.ClientDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, d)
}

// AddExtension advertises a console extension.
func (m *MemoryAPI) AddExtension(ext protocol.Extension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions = append(m.extensions, ext)
}

// HandlePlugin routes pluginCall(name, ...) to fn.
func (m *MemoryAPI) HandlePlugin(name string, fn PluginFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[name] = fn
}

// SetStatus forces a component's lifecycle state.
func (m *MemoryAPI) SetStatus(name, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	c.details.Status = status
	return nil
}

func (m *MemoryAPI) DeviceDetails(context.Context) (protocol.DeviceDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device, nil
}

func (m *MemoryAPI) Components(context.Context) ([]protocol.ComponentDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ComponentDetails, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.details)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryAPI) Component(_ context.Context, name string) (protocol.ComponentDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return protocol.ComponentDetails{}, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return c.details, nil
}

func (m *MemoryAPI) Extensions(context.Context) ([]protocol.Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.Extension{}, m.extensions...), nil
}

func (m *MemoryAPI) transition(name string, allowed func(protocol.ComponentDetails) error, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if err := allowed(c.details); err != nil {
		return err
	}
	c.details.Status = next
	return nil
}

func (m *MemoryAPI) StartComponent(_ context.Context, name string) error {
	return m.transition(name, func(d protocol.ComponentDetails) error {
		if !d.CanStart {
			return fmt.Errorf("component %s cannot be started", name)
		}
		return nil
	}, protocol.StatusRunning)
}

func (m *MemoryAPI) StopComponent(_ context.Context, name string) error {
	return m.transition(name, func(d protocol.ComponentDetails) error {
		if !d.CanStop {
			return fmt.Errorf("component %s cannot be stopped", name)
		}
		return nil
	}, protocol.StatusFinished)
}

func (m *MemoryAPI) ReinstallComponent(_ context.Context, name string) error {
	return m.transition(name, func(protocol.ComponentDetails) error { return nil }, protocol.StatusRunning)
}

func (m *MemoryAPI) Config(_ context.Context, name string) (protocol.ConfigMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return protocol.ConfigMessage{ErrorMsg: "Component " + name + " not found"}, nil
	}
	return protocol.ConfigMessage{Successful: true, YAML: c.config}, nil
}

// UpdateConfig stores document when it parses as a YAML mapping. Rejections
// are reported in the ConfigMessage, not as call errors.
func (m *MemoryAPI) UpdateConfig(_ context.Context, name, document string) (protocol.ConfigMessage, error) {
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(document), &parsed); err != nil {
		return protocol.ConfigMessage{ErrorMsg: "Invalid YAML: " + err.Error()}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return protocol.ConfigMessage{ErrorMsg: "Component " + name + " not found"}, nil
	}
	c.config = document
	return protocol.ConfigMessage{Successful: true, YAML: document}, nil
}

func (m *MemoryAPI) DependencyGraph(context.Context) ([]protocol.DepGraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.DepGraphNode, 0, len(m.components))
	for name, c := range m.components {
		children := append([]protocol.Dependency{}, c.deps...)
		out = append(out, protocol.DepGraphNode{Name: name, Children: children})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryAPI) ClientDevices(context.Context) (protocol.ListClientDevicesResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return protocol.ListClientDevicesResponse{ClientDevices: append([]protocol.ClientDevice{}, m.devices...)}, nil
}

func (m *MemoryAPI) Plugin(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("pluginCall needs a plugin name")
	}
	m.mu.RLock()
	fn, ok := m.plugins[args[0]]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no plugin named %s", args[0])
	}
	return fn(ctx, args[1:])
}

// Fixture is the YAML document LoadFixture reads.
type Fixture struct {
	Device struct {
		OS             string `yaml:"os"`
		Version        string `yaml:"version"`
		NucleusVersion string `yaml:"nucleusVersion"`
		Region         string `yaml:"region"`
		RootPath       string `yaml:"rootPath"`
		ThingName      string `yaml:"thingName"`
		LogStore       string `yaml:"logStore"`
	} `yaml:"device"`
	Components []struct {
		Name          string `yaml:"name"`
		Version       string `yaml:"version"`
		Status        string `yaml:"status"`
		Origin        string `yaml:"origin"`
		CanStart      bool   `yaml:"canStart"`
		CanStop       bool   `yaml:"canStop"`
		IsPlugin      bool   `yaml:"isPlugin"`
		ComponentType string `yaml:"componentType"`
		Config        string `yaml:"config"`
		Dependencies  []struct {
			Name string `yaml:"name"`
			Hard bool   `yaml:"hard"`
		} `yaml:"dependencies"`
	} `yaml:"components"`
	ClientDevices []struct {
		ThingName  string `yaml:"thingName"`
		CertExpiry string `yaml:"certExpiry"`
		HasSession bool   `yaml:"hasSession"`
	} `yaml:"clientDevices"`
	Extensions []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
		Slot string `yaml:"slot"`
	} `yaml:"extensions"`
}

// LoadFixture builds a MemoryAPI from a YAML fixture.
func LoadFixture(r io.Reader) (*MemoryAPI, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	m := NewMemoryAPI(protocol.DeviceDetails{
		OS:             f.Device.OS,
		Version:        f.Device.Version,
		NucleusVersion: f.Device.NucleusVersion,
		Region:         f.Device.Region,
		RootPath:       f.Device.RootPath,
		ThingName:      f.Device.ThingName,
		LogStore:       f.Device.LogStore,
	})
	for _, c := range f.Components {
		if c.Name == "" {
			return nil, errors.New("decode fixture: component without a name")
		}
		deps := make([]protocol.Dependency, 0, len(c.Dependencies))
		for _, d := range c.Dependencies {
			deps = append(deps, protocol.Dependency{Name: d.Name, Hard: d.Hard})
		}
		m.AddComponent(protocol.ComponentDetails{
			Name:          c.Name,
			Version:       c.Version,
			Status:        c.Status,
			Origin:        c.Origin,
			CanStart:      c.CanStart,
			CanStop:       c.CanStop,
			IsPlugin:      c.IsPlugin,
			ComponentType: c.ComponentType,
		}, c.Config, deps...)
	}
	for _, d := range f.ClientDevices {
		m.AddClientDevice(protocol.ClientDevice{ThingName: d.ThingName, CertExpiry: d.CertExpiry, HasSession: d.HasSession})
	}
	for _, e := range f.Extensions {
		m.AddExtension(protocol.Extension{Name: e.Name, URL: e.URL, Slot: e.Slot})
	}
	return m, nil
}

// SampleAPI returns a MemoryAPI populated with a typical edge device.
func SampleAPI() *MemoryAPI {
	m := NewMemoryAPI(protocol.DeviceDetails{
		OS:             "linux",
		Version:        "2.12.0",
		NucleusVersion: "2.12.0",
		Region:         "us-east-1",
		RootPath:       "/greengrass/v2",
		ThingName:      "edge-device-01",
		LogStore:       "FILE",
	})
	m.AddComponent(protocol.ComponentDetails{
		Name: "aws.greengrass.Nucleus", Version: "2.12.0", Status: protocol.StatusRunning,
		ComponentType: "aws.greengrass.nucleus",
	}, "logging:\n  level: INFO\n")
	m.AddComponent(protocol.ComponentDetails{
		Name: "aws.greengrass.LocalDebugConsole", Version: "2.4.0", Status: protocol.StatusRunning,
		CanStart: true, CanStop: true, ComponentType: "aws.greengrass.generic",
	}, "httpsEnabled: true\nport: 1441\n", protocol.Dependency{Name: "aws.greengrass.Nucleus", Hard: true})
	m.AddComponent(protocol.ComponentDetails{
		Name: "com.example.HelloWorld", Version: "1.0.0", Status: protocol.StatusFinished,
		CanStart: true, CanStop: true, ComponentType: "aws.greengrass.generic",
	}, "message: hello\n", protocol.Dependency{Name: "aws.greengrass.Nucleus", Hard: false})
	m.AddClientDevice(protocol.ClientDevice{ThingName: "sensor-01", HasSession: true})
	return m
}
