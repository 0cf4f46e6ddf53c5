package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/lightforgemedia/go-ggconsole/pkg/daemonsim"
	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
	"github.com/lightforgemedia/go-ggconsole/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `
device:
  thingName: bench-rig
  nucleusVersion: 2.13.0
components:
  - name: aws.greengrass.Nucleus
    version: 2.13.0
    status: RUNNING
`

func parse(t *testing.T, args ...string) docopt.Opts {
	t.Helper()
	opts, err := docopt.ParseArgs(usage, args, version)
	require.NoError(t, err)
	return opts
}

// release shuts the simulator down with the test.
func release(t *testing.T, d *daemon) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.server.Shutdown(ctx)
		d.close()
	})
}

func TestBuildServesFixtureWithCredentials(t *testing.T) {
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "device.yaml")
	require.NoError(t, os.WriteFile(fixturePath, []byte(fixture), 0644))
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "greengrass.log"), nil, 0644))

	d, err := build(parse(t, "--fixture", fixturePath, "--log-dir", logDir, "--user", "admin", "--password", "s3cret"), testutil.DefaultLogger)
	require.NoError(t, err)
	release(t, d)
	assert.Equal(t, []string{"greengrass.log"}, d.server.LogList())

	srv := httptest.NewServer(d.server.Router())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ep := testutil.NewTestEndpoint(t, wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	device, err := endpoint.Call[protocol.DeviceDetails](ctx, ep, protocol.CallGetDeviceDetails)
	require.NoError(t, err)
	assert.Equal(t, "bench-rig", device.ThingName)

	opts := testutil.DefaultEndpointOptions()
	opts.Password = "wrong"
	opts.Connect = false
	bad := testutil.NewTestEndpointWithOptions(t, wsURL, opts)
	assert.ErrorIs(t, bad.InitConnections(ctx), endpoint.ErrAuthentication)
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := build(parse(t, "--fixture", filepath.Join(t.TempDir(), "missing.yaml")), testutil.DefaultLogger)
	assert.Error(t, err)

	_, err = build(parse(t, "--heartbeat", "often"), testutil.DefaultLogger)
	assert.Error(t, err)

	_, err = build(parse(t, "--password", "x", "--token-secret", "y"), testutil.DefaultLogger)
	assert.Error(t, err)
}

func TestAuthenticatorSelection(t *testing.T) {
	auth, err := authenticator(parse(t))
	require.NoError(t, err)
	assert.NoError(t, auth.Authenticate("anyone", "anything"))

	auth, err = authenticator(parse(t, "--token-secret", "k"))
	require.NoError(t, err)
	token, err := daemonsim.TokenAuthenticator{Secret: []byte("k"), Issuer: "devdaemon"}.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, auth.Authenticate("ops", token))
	assert.Error(t, auth.Authenticate("ops", "not-a-token"))
}

func TestHeartbeatPublishes(t *testing.T) {
	d, err := build(parse(t, "--heartbeat", "20ms"), testutil.DefaultLogger)
	require.NoError(t, err)
	release(t, d)

	beats := make(chan string, 4)
	cancelSub, err := d.server.Bus().Subscribe("local/#", func(topic string, _ []byte) {
		select {
		case beats <- topic:
		default:
		}
	})
	require.NoError(t, err)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.beat(ctx, testutil.DefaultLogger)
	assert.Equal(t, "local/heartbeat", testutil.Receive(t, (<-chan string)(beats), time.Second))
}
