package daemonsim_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ggconsole/pkg/daemonsim"
	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/filewatcher"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
	"github.com/lightforgemedia/go-ggconsole/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawClient speaks the wire protocol directly, without an endpoint.
type rawClient struct {
	t     *testing.T
	conn  *websocket.Conn
	next  protocol.RequestID
	codec protocol.Codec
}

func dialRaw(t *testing.T, url string, binary bool) *rawClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &rawClient{t: t, conn: conn, codec: protocol.CodecFor(binary)}
}

func (c *rawClient) call(call protocol.Call, args ...string) protocol.Message {
	c.t.Helper()
	c.next++
	id := c.next
	// marshalled directly so unknown calls can be sent
	data, err := c.codec.Marshal(protocol.PackedRequest{RequestID: id, Request: protocol.NewRequest(call, args...)})
	require.NoError(c.t, err)
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, typ, data))
	for {
		msg := c.read(ctx)
		if msg.MessageType == protocol.MessageResponse && msg.RequestID == id {
			return msg
		}
	}
}

func (c *rawClient) read(ctx context.Context) protocol.Message {
	c.t.Helper()
	typ, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	assert.Equal(c.t, c.codec.Binary(), typ == websocket.MessageBinary, "replies use the client's frame type")
	var msg protocol.Message
	require.NoError(c.t, c.codec.Unmarshal(data, &msg))
	return msg
}

func TestUnauthenticatedCallsAreRejected(t *testing.T) {
	ds := testutil.NewDaemonServer(t, daemonsim.WithAuthenticator(daemonsim.StaticCredentials{Username: "admin", Password: "s3cret"}))
	c := dialRaw(t, ds.WSURL, false)

	resp := c.call(protocol.CallGetDeviceDetails)
	assert.Equal(t, protocol.NotAuthenticatedReply, resp.Error)

	resp = c.call(protocol.CallInit, "admin", "wrong")
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `"Not authenticated"`, string(resp.Payload))

	resp = c.call(protocol.CallInit, "admin", "s3cret")
	assert.JSONEq(t, protocol.AuthenticatedReply, string(resp.Payload))

	resp = c.call(protocol.CallGetDeviceDetails)
	assert.Empty(t, resp.Error)
	assert.Contains(t, string(resp.Payload), "edge-device-01")

	resp = c.call(protocol.Call("formatDisk"))
	assert.Contains(t, resp.Error, "Unknown call")
	assert.Equal(t, 2, ds.Calls(protocol.CallInit))
	assert.Equal(t, 2, ds.Calls(protocol.CallGetDeviceDetails))
}

func TestBinaryFramesGetBinaryReplies(t *testing.T) {
	ds := testutil.NewDaemonServer(t)
	c := dialRaw(t, ds.WSURL, true)

	resp := c.call(protocol.CallInit, "any", "thing")
	assert.JSONEq(t, `true`, string(resp.Payload))
	resp = c.call(protocol.CallPing)
	assert.JSONEq(t, `true`, string(resp.Payload))
	resp = c.call(protocol.CallGetComponent, "aws.greengrass.Nucleus")
	assert.Contains(t, string(resp.Payload), `"status":"RUNNING"`)
}

func TestForcePushOnlyReachesSubscribedConnection(t *testing.T) {
	ds := testutil.NewDaemonServer(t)
	subscribed := dialRaw(t, ds.WSURL, false)
	other := dialRaw(t, ds.WSURL, false)
	subscribed.call(protocol.CallInit, "a", "b")
	other.call(protocol.CallInit, "a", "b")
	subscribed.call(protocol.CallSubscribeToDependencyGraph)

	assert.Empty(t, other.callCollecting(protocol.CallForcePushDependencyGraph), "nothing is pushed without a subscription")

	pushes := subscribed.callCollecting(protocol.CallForcePushDependencyGraph)
	require.Len(t, pushes, 1, "the snapshot precedes the reply")
	assert.Equal(t, protocol.MessageDepsGraph, pushes[0].MessageType)
	assert.Equal(t, protocol.KeyOf(protocol.NewRequest(protocol.CallSubscribeToDependencyGraph)), pushes[0].SubscribedKey)
}

// callCollecting sends call and returns every push that arrived before the
// reply.
func (c *rawClient) callCollecting(call protocol.Call) []protocol.Message {
	c.t.Helper()
	c.next++
	id := c.next
	data, err := protocol.EncodeRequest(c.codec, id, protocol.NewRequest(call))
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
	var pushes []protocol.Message
	for {
		msg := c.read(ctx)
		if msg.MessageType == protocol.MessageResponse && msg.RequestID == id {
			return pushes
		}
		pushes = append(pushes, msg)
	}
}

func TestSubscriptionsEndWithTheConnection(t *testing.T) {
	ds := testutil.NewDaemonServer(t)
	c := dialRaw(t, ds.WSURL, false)
	c.call(protocol.CallInit, "a", "b")
	c.call(protocol.CallSubscribeToPubSubTopic, "telemetry/#")
	key := protocol.KeyOf(protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, "telemetry/#"))
	assert.Equal(t, 1, ds.SubscriberCount(key))

	resp := c.call(protocol.CallSubscribeToPubSubTopic, "bad/#/filter")
	assert.NotEmpty(t, resp.Error)
	resp = c.call(protocol.CallSubscribeToComponent, "missing")
	assert.Contains(t, resp.Error, "unknown component")

	c.call(protocol.CallUnsubscribeToPubSubTopic, "telemetry/#")
	assert.Equal(t, 0, ds.SubscriberCount(key))
	c.call(protocol.CallSubscribeToPubSubTopic, "telemetry/#")

	c.conn.Close(websocket.StatusNormalClosure, "bye")
	assert.NoError(t, testutil.WaitFor(t, "connection removed", 2*time.Second, func() bool {
		return ds.ConnectionCount() == 0 && ds.SubscriberCount(key) == 0
	}))
}

func TestSetAcceptingRefusesUpgrades(t *testing.T) {
	ds := testutil.NewDaemonServer(t)
	ds.SetAccepting(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ds.WSURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ds.SetAccepting(true)
	dialRaw(t, ds.WSURL, false)
}

func TestTokenAuthenticationOverTheWire(t *testing.T) {
	auth := daemonsim.TokenAuthenticator{Secret: []byte("integration-secret"), Issuer: "test"}
	token, err := auth.IssueToken("operator", time.Minute)
	require.NoError(t, err)
	ds := testutil.NewDaemonServer(t, daemonsim.WithAuthenticator(auth))

	opts := testutil.DefaultEndpointOptions()
	opts.Username = "operator"
	opts.Password = token
	ep := testutil.NewTestEndpointWithOptions(t, ds.WSURL, opts)
	assert.Equal(t, endpoint.StateConnected, ep.State())
}

func TestPluginCall(t *testing.T) {
	api := daemonsim.SampleAPI()
	api.HandlePlugin("greeter", func(_ context.Context, args []string) (any, error) {
		return map[string]string{"greeting": "hello " + args[0]}, nil
	})
	ds := testutil.NewDaemonServer(t, daemonsim.WithAPI(api))
	ep := testutil.NewTestEndpoint(t, ds.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := endpoint.Call[map[string]string](ctx, ep, protocol.CallPlugin, "greeter", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["greeting"])
}

func TestLogTailer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greengrass.log"), []byte("old line\n"), 0644))

	ds := testutil.NewDaemonServer(t)
	tailer, err := daemonsim.NewLogTailer(ds.Server, dir, filewatcher.WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, tailer.Start())
	t.Cleanup(func() { tailer.Stop() })
	assert.Equal(t, []string{"greengrass.log"}, ds.LogList())

	ep := testutil.NewTestEndpoint(t, ds.WSURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lists := make(chan []string, 8)
	_, err = ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToLogList), func(p protocol.Push) {
		var names []string
		if p.Decode(&names) == nil {
			lists <- names
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"greengrass.log"}, testutil.Receive(t, (<-chan []string)(lists), 2*time.Second), "snapshot after subscribing")

	lines := make(chan protocol.Log, 8)
	_, err = ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToComponentLogs, "greengrass.log"), func(p protocol.Push) {
		var l protocol.Log
		if p.Decode(&l) == nil {
			lines <- l
		}
	})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "greengrass.log"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("first new line\nsecond new line\npartial")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, protocol.Log{Name: "greengrass.log", Log: "first new line"}, testutil.Receive(t, (<-chan protocol.Log)(lines), 2*time.Second))
	assert.Equal(t, protocol.Log{Name: "greengrass.log", Log: "second new line"}, testutil.Receive(t, (<-chan protocol.Log)(lines), 2*time.Second))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "com.example.HelloWorld.log"), []byte(""), 0644))
	assert.Equal(t, []string{"com.example.HelloWorld.log", "greengrass.log"}, testutil.Receive(t, (<-chan []string)(lists), 2*time.Second))
}
