// cmd/ggconsole/console.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

const (
	// releaseTimeout bounds the unsubscribe calls made on exit.
	releaseTimeout = 2 * time.Second
	// snapshotTimeout bounds the wait for a list stream's first push.
	snapshotTimeout = 10 * time.Second
)

// console runs commands against one endpoint and writes their output to out.
type console struct {
	ep     *endpoint.Endpoint
	out    io.Writer
	logger *slog.Logger

	mu sync.Mutex // serializes writes from push handlers
}

func newConsole(ep *endpoint.Endpoint, out io.Writer, logger *slog.Logger) *console {
	return &console{ep: ep, out: out, logger: logger}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.printf("%s\n", data)
	return nil
}

func (c *console) device(ctx context.Context) error {
	d, err := endpoint.Call[protocol.DeviceDetails](ctx, c.ep, protocol.CallGetDeviceDetails)
	if err != nil {
		return err
	}
	return c.printJSON(d)
}

func (c *console) components(ctx context.Context) error {
	list, err := endpoint.Call[[]protocol.ComponentDetails](ctx, c.ep, protocol.CallGetComponentList)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSTATUS")
	for _, comp := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", comp.Name, comp.Version, comp.Status)
	}
	return w.Flush()
}

func (c *console) component(ctx context.Context, name string) error {
	d, err := endpoint.Call[protocol.ComponentDetails](ctx, c.ep, protocol.CallGetComponent, name)
	if err != nil {
		return err
	}
	return c.printJSON(d)
}

var lifecycleVerbs = map[protocol.Call]string{
	protocol.CallStartComponent:     "started",
	protocol.CallStopComponent:      "stopped",
	protocol.CallReinstallComponent: "reinstalled",
}

func (c *console) lifecycle(ctx context.Context, call protocol.Call, name string) error {
	ok, err := endpoint.Call[bool](ctx, c.ep, call, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: daemon refused", call, name)
	}
	c.printf("%s %s\n", lifecycleVerbs[call], name)
	return nil
}

func (c *console) configGet(ctx context.Context, name string) error {
	cfg, err := endpoint.Call[protocol.ConfigMessage](ctx, c.ep, protocol.CallGetConfig, name)
	if err != nil {
		return err
	}
	if !cfg.Successful {
		return errors.New(cfg.ErrorMsg)
	}
	c.printf("%s", cfg.YAML)
	if !strings.HasSuffix(cfg.YAML, "\n") {
		c.printf("\n")
	}
	return nil
}

func (c *console) configSet(ctx context.Context, name string, document []byte) error {
	res, err := endpoint.Call[protocol.ConfigMessage](ctx, c.ep, protocol.CallUpdateConfig, name, string(document))
	if err != nil {
		return err
	}
	if !res.Successful {
		return errors.New(res.ErrorMsg)
	}
	c.printf("updated %s\n", name)
	return nil
}

func (c *console) deps(ctx context.Context) error {
	p, err := c.snapshot(ctx, protocol.NewRequest(protocol.CallSubscribeToDependencyGraph))
	if err != nil {
		return err
	}
	var graph []protocol.DepGraphNode
	if err := p.Decode(&graph); err != nil {
		return err
	}
	c.printGraph(graph)
	return nil
}

func (c *console) printGraph(graph []protocol.DepGraphNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range graph {
		fmt.Fprintln(c.out, node.Name)
		for _, dep := range node.Children {
			kind := "soft"
			if dep.Hard {
				kind = "hard"
			}
			fmt.Fprintf(c.out, "  -> %s (%s)\n", dep.Name, kind)
		}
	}
}

func (c *console) devices(ctx context.Context) error {
	res, err := endpoint.Call[protocol.ListClientDevicesResponse](ctx, c.ep, protocol.CallListClientDevices)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THING\tSESSION\tLAST CONNECTED")
	for _, d := range res.ClientDevices {
		fmt.Fprintf(w, "%s\t%t\t%s\n", d.ThingName, d.HasSession, d.LastConnected)
	}
	return w.Flush()
}

func (c *console) publish(ctx context.Context, topic, message string) error {
	if _, err := c.ep.SendRequest(ctx, protocol.NewRequest(protocol.CallPublishToPubSub, topic, message)); err != nil {
		return err
	}
	c.printf("published to %s\n", topic)
	return nil
}

// snapshot subscribes to a list stream, returns the first push and releases
// the subscription.
func (c *console) snapshot(ctx context.Context, req protocol.Request) (protocol.Push, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	pushes := make(chan protocol.Push, 1)
	sub, err := c.ep.SendSubscriptionMessage(ctx, req, func(p protocol.Push) {
		select {
		case pushes <- p:
		default:
		}
	})
	if err != nil {
		return protocol.Push{}, err
	}
	defer c.release(sub)

	select {
	case p := <-pushes:
		return p, nil
	case <-ctx.Done():
		return protocol.Push{}, fmt.Errorf("waiting for %s: %w", req.Call, ctx.Err())
	}
}

func (c *console) logs(ctx context.Context) error {
	p, err := c.snapshot(ctx, protocol.NewRequest(protocol.CallSubscribeToLogList))
	if err != nil {
		return err
	}
	var names []string
	if err := p.Decode(&names); err != nil {
		return err
	}
	sort.Strings(names)
	for _, n := range names {
		c.printf("%s\n", n)
	}
	return nil
}

// tail streams the lines of one log until ctx ends.
func (c *console) tail(ctx context.Context, log string) error {
	return c.stream(ctx, []protocol.Request{protocol.NewRequest(protocol.CallSubscribeToComponentLogs, log)}, func(p protocol.Push) {
		var l protocol.Log
		if err := p.Decode(&l); err != nil {
			c.logger.Warn(fmt.Sprintf("Console: Undecodable line from %s: %v", log, err))
			return
		}
		c.printf("%s\n", l.Log)
	})
}

// sub streams pub/sub messages for every filter until ctx ends.
func (c *console) sub(ctx context.Context, filters []string) error {
	reqs := make([]protocol.Request, len(filters))
	for i, f := range filters {
		reqs[i] = protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, f)
	}
	return c.stream(ctx, reqs, func(p protocol.Push) {
		c.printf("%s %s\n", p.Topic, p.Text())
	})
}

// stream holds one subscription per request until ctx ends, then releases
// them. A failed subscribe releases the ones already held.
func (c *console) stream(ctx context.Context, reqs []protocol.Request, fn endpoint.Handler) error {
	subs := make([]*endpoint.Subscription, 0, len(reqs))
	defer func() {
		for _, s := range subs {
			c.release(s)
		}
	}()
	for _, req := range reqs {
		s, err := c.ep.SendSubscriptionMessage(ctx, req, fn)
		if err != nil {
			return fmt.Errorf("%s %s: %w", req.Call, strings.Join(req.Args, " "), err)
		}
		subs = append(subs, s)
	}
	<-ctx.Done()
	return nil
}

func (c *console) release(s *endpoint.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.Release(ctx); err != nil {
		c.logger.Debug(fmt.Sprintf("Console: Release of %s failed: %v", s.Key(), err))
	}
}
