package endpoint_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/daemonsim"
	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
	"github.com/lightforgemedia/go-ggconsole/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var credentials = daemonsim.StaticCredentials{Username: "admin", Password: "s3cret"}

func TestWebSocketRoundTrip(t *testing.T) {
	for _, binary := range []bool{false, true} {
		name := "json"
		if binary {
			name = "msgpack"
		}
		t.Run(name, func(t *testing.T) {
			ds := testutil.NewDaemonServer(t, daemonsim.WithAuthenticator(credentials))
			opts := testutil.DefaultEndpointOptions()
			opts.Binary = binary
			ep := testutil.NewTestEndpointWithOptions(t, ds.WSURL, opts)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			device, err := endpoint.Call[protocol.DeviceDetails](ctx, ep, protocol.CallGetDeviceDetails)
			require.NoError(t, err)
			assert.Equal(t, "edge-device-01", device.ThingName)

			components, err := endpoint.Call[[]protocol.ComponentDetails](ctx, ep, protocol.CallGetComponentList)
			require.NoError(t, err)
			assert.Len(t, components, 3)

			_, err = ep.SendRequest(ctx, protocol.NewRequest(protocol.CallGetComponent, "no.such.Component"))
			var serverErr *endpoint.ServerError
			require.ErrorAs(t, err, &serverErr)
			assert.Contains(t, serverErr.Message, "unknown component")

			// the list snapshot arrives through the forced re-push
			lists := &recorder{}
			listSub, err := ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToComponentList), lists.handle)
			require.NoError(t, err)
			require.NoError(t, testutil.WaitFor(t, "component list snapshot", 2*time.Second, func() bool { return lists.count() == 1 }))
			assert.Equal(t, protocol.MessageComponentList, lists.all()[0].Type)

			changes := &recorder{}
			_, err = ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToComponent, "com.example.HelloWorld"), changes.handle)
			require.NoError(t, err)

			ok, err := endpoint.Call[bool](ctx, ep, protocol.CallStartComponent, "com.example.HelloWorld")
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, testutil.WaitFor(t, "component change push", 2*time.Second, func() bool { return changes.count() == 1 }))
			var details protocol.ComponentDetails
			require.NoError(t, changes.all()[0].Decode(&details))
			assert.Equal(t, protocol.StatusRunning, details.Status)
			require.NoError(t, testutil.WaitFor(t, "list push after start", 2*time.Second, func() bool { return lists.count() == 2 }))

			telemetry := &recorder{}
			_, err = ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, "telemetry/#"), telemetry.handle)
			require.NoError(t, err)
			_, err = ep.SendRequest(ctx, protocol.NewRequest(protocol.CallPublishToPubSub, "telemetry/cpu", "42"))
			require.NoError(t, err)
			_, err = ep.SendRequest(ctx, protocol.NewRequest(protocol.CallPublishToPubSub, "metrics/cpu", "7"))
			require.NoError(t, err)
			require.NoError(t, testutil.WaitFor(t, "telemetry push", 2*time.Second, func() bool { return telemetry.count() == 1 }))
			push := telemetry.all()[0]
			assert.Equal(t, "telemetry/cpu", push.Topic)
			assert.Equal(t, "42", push.Text())

			require.NoError(t, listSub.Release(ctx))
			listKey := protocol.KeyOf(protocol.NewRequest(protocol.CallSubscribeToComponentList))
			assert.NoError(t, testutil.WaitFor(t, "daemon drops the list subscription", 2*time.Second, func() bool {
				return ds.SubscriberCount(listKey) == 0
			}))
		})
	}
}

func TestWebSocketAuthenticationRejected(t *testing.T) {
	ds := testutil.NewDaemonServer(t, daemonsim.WithAuthenticator(credentials))
	opts := testutil.DefaultEndpointOptions()
	opts.Password = "wrong"
	opts.Connect = false

	var reported atomic.Int32
	ep := testutil.NewTestEndpointWithOptions(t, ds.WSURL, opts, endpoint.WithConnectivityErrorHandler(func(error) {
		reported.Add(1)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ep.InitConnections(ctx)
	require.ErrorIs(t, err, endpoint.ErrAuthentication)
	var authErr *endpoint.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.NotAuthenticatedReply, authErr.Reason)
	assert.Equal(t, endpoint.StateClosed, ep.State())
	assert.Equal(t, 1, ds.Calls(protocol.CallInit), "authentication failures are not retried")
	assert.NoError(t, testutil.WaitFor(t, "connectivity error reported", time.Second, func() bool { return reported.Load() == 1 }))
}

func TestWebSocketReconnectReplaysSubscriptions(t *testing.T) {
	ds := testutil.NewDaemonServer(t, daemonsim.WithAuthenticator(credentials))
	ep := testutil.NewTestEndpoint(t, ds.WSURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &recorder{}
	_, err := ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, "telemetry/#"), rec.handle)
	require.NoError(t, err)
	key := protocol.KeyOf(protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, "telemetry/#"))
	require.Equal(t, 1, ds.SubscriberCount(key))

	assert.Equal(t, 1, ds.DropConnections())
	require.NoError(t, testutil.WaitFor(t, "subscription replayed", 3*time.Second, func() bool {
		return ds.Calls(protocol.CallSubscribeToPubSubTopic) == 2 && ds.SubscriberCount(key) == 1 && ep.State() == endpoint.StateConnected
	}))
	assert.Equal(t, 2, ds.Calls(protocol.CallInit))
	assert.Equal(t, 1, ep.Subscriptions())

	require.NoError(t, ds.Bus().Publish("telemetry/cpu", []byte("after reconnect")))
	require.NoError(t, testutil.WaitFor(t, "push after reconnect", 2*time.Second, func() bool { return rec.count() == 1 }))
	assert.Equal(t, "after reconnect", rec.all()[0].Text())
}

func TestWebSocketDaemonGone(t *testing.T) {
	ds := testutil.NewDaemonServer(t)
	errs := make(chan error, 4)
	ep := testutil.NewTestEndpoint(t, ds.WSURL, endpoint.WithConnectivityErrorHandler(func(err error) {
		errs <- err
	}))

	ds.SetAccepting(false)
	ds.DropConnections()

	err := testutil.Receive(t, (<-chan error)(errs), 5*time.Second)
	assert.ErrorIs(t, err, endpoint.ErrRetryBudgetExhausted)
	assert.ErrorIs(t, err, endpoint.ErrNotConnected)
	assert.Equal(t, endpoint.StateClosed, ep.State())

	_, err = ep.SendRequest(context.Background(), protocol.NewRequest(protocol.CallGetDeviceDetails))
	assert.ErrorIs(t, err, endpoint.ErrNotConnected)
	select {
	case extra := <-errs:
		t.Fatalf("connectivity error reported twice: %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLegacyPushesOverWebSocket(t *testing.T) {
	md := testutil.NewMockDaemon(t, func(req protocol.PackedRequest, md *testutil.MockDaemon) {
		md.Respond(req.RequestID, true)
		switch req.Request.Call {
		case protocol.CallSubscribeToComponent:
			md.SendRaw([]byte("{not json"))
			md.SendJSON(map[string]any{
				"messageType": "COMPONENT_CHANGE",
				"payload":     map[string]any{"name": "main", "status": "RUNNING"},
			})
		case protocol.CallSubscribeToPubSubTopic:
			md.SendJSON(map[string]any{
				"messageType": 6,
				"payload":     protocol.CommunicationMessage{SubscribedTopic: "a/#", Topic: "a/b", Payload: "hi"},
			})
		}
	})
	ep := testutil.NewTestEndpoint(t, md.WsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes := &recorder{}
	_, err := ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToComponent, "main"), changes.handle)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitFor(t, "legacy component change", 2*time.Second, func() bool { return changes.count() == 1 }))
	assert.Equal(t, protocol.MessageComponentChange, changes.all()[0].Type)

	topics := &recorder{}
	_, err = ep.SendSubscriptionMessage(ctx, protocol.NewRequest(protocol.CallSubscribeToPubSubTopic, "a/#"), topics.handle)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitFor(t, "legacy pub/sub message", 2*time.Second, func() bool { return topics.count() == 1 }))
	assert.Equal(t, "a/b", topics.all()[0].Topic)
	assert.Equal(t, "hi", topics.all()[0].Text())
	assert.Equal(t, endpoint.StateConnected, ep.State(), "the malformed frame did not cost the connection")
}
