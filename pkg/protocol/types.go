// pkg/protocol/types.go
package protocol

// Payload shapes exchanged with the daemon. They are shared by the endpoint's
// typed helpers, the CLI and the daemon simulator.

// DeviceDetails answers getDeviceDetails.
type DeviceDetails struct {
	OS              string `json:"os"`
	Version         string `json:"version"`
	NucleusVersion  string `json:"nucleusVersion"`
	Region          string `json:"region"`
	RootPath        string `json:"rootPath"`
	ThingName       string `json:"thingName"`
	LogStore        string `json:"logStore"`
	RegistryVersion string `json:"registryVersion,omitempty"`
}

// ComponentDetails describes one installed component. It is the payload of
// getComponent, each entry of getComponentList and COMPONENT_CHANGE pushes.
type ComponentDetails struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	Origin        string `json:"origin,omitempty"`
	CanStart      bool   `json:"canStart"`
	CanStop       bool   `json:"canStop"`
	IsPlugin      bool   `json:"isPlugin"`
	RequiresRoot  bool   `json:"requiresRoot,omitempty"`
	ComponentType string `json:"componentType,omitempty"`
}

// Dependency is an edge of the dependency graph.
type Dependency struct {
	Name string `json:"name"`
	Hard bool   `json:"hard"`
}

// DepGraphNode is one node of the dependency graph.
type DepGraphNode struct {
	Name     string       `json:"name"`
	Children []Dependency `json:"children"`
}

// ConfigMessage answers getConfig and updateConfig.
type ConfigMessage struct {
	Successful bool   `json:"successful"`
	YAML       string `json:"yaml"`
	ErrorMsg   string `json:"errorMsg"`
}

// Log is the payload of COMPONENT_LOGS pushes.
type Log struct {
	Name string `json:"name"`
	Log  string `json:"log"`
}

// ClientDevice is one entry of listClientDevices.
type ClientDevice struct {
	ThingName     string `json:"thingName"`
	CertExpiry    string `json:"certExpiry,omitempty"`
	HasSession    bool   `json:"hasSession"`
	LastConnected string `json:"lastConnected,omitempty"`
}

// ListClientDevicesResponse answers listClientDevices.
type ListClientDevicesResponse struct {
	ClientDevices []ClientDevice `json:"clientDevices"`
}

// Extension is a console plugin advertised by getExtensions.
type Extension struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Slot string `json:"slot,omitempty"`
}

// Component lifecycle states reported in ComponentDetails.Status.
const (
	StatusNew       = "NEW"
	StatusInstalled = "INSTALLED"
	StatusStarting  = "STARTING"
	StatusRunning   = "RUNNING"
	StatusStopping  = "STOPPING"
	StatusFinished  = "FINISHED"
	StatusErrored   = "ERRORED"
	StatusBroken    = "BROKEN"
)

// AuthenticatedReply is the handshake payload of a successful init.
const AuthenticatedReply = "true"

// NotAuthenticatedReply is what the daemon answers to calls from an
// unauthenticated connection and to a rejected init.
const NotAuthenticatedReply = "Not authenticated"
