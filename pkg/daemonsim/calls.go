// pkg/daemonsim/calls.go
package daemonsim

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

func needArgs(req protocol.Request, n int, what string) error {
	if len(req.Args) < n {
		return fmt.Errorf("%s needs %s", req.Call, what)
	}
	return nil
}

// serve answers one unary call. Lifecycle calls also push the changed
// component to its subscribers.
func (s *Server) serve(ctx context.Context, req protocol.Request) (any, error) {
	api := s.config.api
	switch req.Call {
	case protocol.CallGetDeviceDetails:
		return api.DeviceDetails(ctx)
	case protocol.CallGetComponentList:
		return api.Components(ctx)
	case protocol.CallGetComponent:
		if err := needArgs(req, 1, "a component name"); err != nil {
			return nil, err
		}
		return api.Component(ctx, req.Args[0])
	case protocol.CallGetExtensions:
		return api.Extensions(ctx)
	case protocol.CallStartComponent, protocol.CallStopComponent, protocol.CallReinstallComponent:
		if err := needArgs(req, 1, "a component name"); err != nil {
			return nil, err
		}
		return s.lifecycle(ctx, req.Call, req.Args[0])
	case protocol.CallGetConfig:
		if err := needArgs(req, 1, "a component name"); err != nil {
			return nil, err
		}
		return api.Config(ctx, req.Args[0])
	case protocol.CallUpdateConfig:
		if err := needArgs(req, 2, "a component name and a YAML document"); err != nil {
			return nil, err
		}
		return api.UpdateConfig(ctx, req.Args[0], req.Args[1])
	case protocol.CallListClientDevices:
		return api.ClientDevices(ctx)
	case protocol.CallPublishToPubSub:
		if err := needArgs(req, 2, "a topic and a payload"); err != nil {
			return nil, err
		}
		if err := s.config.bus.Publish(req.Args[0], []byte(req.Args[1])); err != nil {
			return nil, err
		}
		return true, nil
	case protocol.CallPlugin:
		return api.Plugin(ctx, req.Args)
	}
	return nil, fmt.Errorf("Unknown call %s", req.Call)
}

func (s *Server) lifecycle(ctx context.Context, call protocol.Call, name string) (any, error) {
	api := s.config.api
	var err error
	switch call {
	case protocol.CallStartComponent:
		err = api.StartComponent(ctx, name)
	case protocol.CallStopComponent:
		err = api.StopComponent(ctx, name)
	case protocol.CallReinstallComponent:
		err = api.ReinstallComponent(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if err := s.PushComponentChange(name); err != nil {
		s.config.logger.Warn(fmt.Sprintf("Daemon: Failed to push change of %s: %v", name, err))
	}
	if err := s.PushComponentList(); err != nil {
		s.config.logger.Warn(fmt.Sprintf("Daemon: Failed to push component list: %v", err))
	}
	return true, nil
}
