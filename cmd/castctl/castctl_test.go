package main

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/castchannel/casttest"
	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/config"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/registry"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/socket"
	"github.com/risa-org/castchannel/telemetry"
)

func newReceiver(t *testing.T, opts ...casttest.Option) (*casttest.PKI, *casttest.Receiver) {
	t.Helper()
	pki, err := casttest.NewPKI()
	require.NoError(t, err)
	rx, err := casttest.NewReceiver(pki, opts...)
	require.NoError(t, err)
	t.Cleanup(rx.Close)
	return pki, rx
}

func writeRoots(t *testing.T, pki *casttest.PKI) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roots.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.Root.Raw})
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// --- Tests ---

func TestAllowList(t *testing.T) {
	assert.Nil(t, allowList(nil))

	allow := allowList([]string{"10.0.0.5:8009"})
	assert.True(t, allow("10.0.0.5:8009"))
	assert.False(t, allow("10.0.0.6:8009"))
}

func TestLoadRoots(t *testing.T) {
	pool, err := loadRoots("")
	require.NoError(t, err)
	assert.Nil(t, pool)

	pki, err := casttest.NewPKI()
	require.NoError(t, err)
	pool, err = loadRoots(writeRoots(t, pki))
	require.NoError(t, err)
	assert.NotNil(t, pool)

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("nothing here"), 0o644))
	_, err = loadRoots(junk)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	s, err := openStore("")
	require.NoError(t, err)
	assert.Zero(t, s.Count())

	s, err = openStore(filepath.Join(t.TempDir(), "devices.cbor"))
	require.NoError(t, err)
	assert.Zero(t, s.Count())
}

func TestDebugRouter(t *testing.T) {
	pki, rx := newReceiver(t)
	loop := sequence.NewLoop()
	t.Cleanup(loop.Stop)

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheus(telemetry.WithRegistry(promReg))
	reg := registry.New(loop, registry.WithSocketOptions(
		socket.WithLogger(metrics),
		socket.WithAuthenticator(&handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: pki.Roots}}),
	))
	t.Cleanup(func() { loop.Do(reg.CloseAll) })

	results := make(chan channel.ChannelError, 1)
	loop.Do(func() {
		_, err := reg.Open(socket.OpenParams{Endpoint: rx.Addr()}, func(_ *socket.Socket, e channel.ChannelError) { results <- e })
		assert.NoError(t, err)
	})
	select {
	case e := <-results:
		require.Equal(t, channel.ErrorNone, e)
	case <-time.After(5 * time.Second):
		t.Fatal("connect never finished")
	}

	srv := httptest.NewServer(newDebugRouter(reg, loop, promReg))
	t.Cleanup(srv.Close)

	code, body := get(t, srv, "/channels")
	require.Equal(t, http.StatusOK, code)
	var views []channelView
	require.NoError(t, json.Unmarshal([]byte(body), &views))
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].ID)
	assert.Equal(t, rx.Addr(), views[0].Endpoint)
	assert.Equal(t, "OPEN", views[0].ReadyState)
	assert.Equal(t, "NONE", views[0].ErrorState)
	assert.NotNil(t, views[0].ConnectedAt)

	code, body = get(t, srv, "/channels/1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"ready_state":"OPEN"`)

	code, _ = get(t, srv, "/channels/9")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, srv, "/channels/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "castchannel_open_channels 1")

	code, _ = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
}

func TestRunConnectSendsPayload(t *testing.T) {
	pki, rx := newReceiver(t)
	cfg := config.Config{Channel: config.ChannelConfig{
		Endpoint:       rx.Addr(),
		ConnectTimeout: 5 * time.Second,
		RootsFile:      writeRoots(t, pki),
	}}
	opts := connectOptions{
		namespace:   defaultNamespace,
		destination: message.PlatformReceiverID,
		payload:     `{"type":"GET_STATUS"}`,
		wait:        50 * time.Millisecond,
		virtualConn: true,
	}

	var out bytes.Buffer
	require.NoError(t, runConnect(context.Background(), cfg, opts, &out))

	var got []*message.CastMessage
	for len(got) < 2 {
		select {
		case m := <-rx.Messages:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("receiver saw %d of 2 messages", len(got))
		}
	}
	assert.Equal(t, message.NamespaceConnection, got[0].Namespace)
	assert.Contains(t, got[0].StringPayload(), `"CONNECT"`)
	assert.Equal(t, defaultNamespace, got[1].Namespace)
	assert.Contains(t, got[1].StringPayload(), `"GET_STATUS"`)
	assert.True(t, strings.HasPrefix(got[1].SourceID, "sender-"))
	assert.Contains(t, out.String(), "sent "+defaultNamespace+" requestId=2")
}

func TestRunConnectReportsChannelError(t *testing.T) {
	pki, rx := newReceiver(t, casttest.WithAuthError())
	cfg := config.Config{Channel: config.ChannelConfig{
		Endpoint:       rx.Addr(),
		ConnectTimeout: 5 * time.Second,
		RootsFile:      writeRoots(t, pki),
	}}

	err := runConnect(context.Background(), cfg, connectOptions{}, io.Discard)
	assert.ErrorIs(t, err, channel.ErrorAuthentication)
}

func TestRunConnectRejectsBadPayload(t *testing.T) {
	_, rx := newReceiver(t)
	cfg := config.Config{Channel: config.ChannelConfig{Endpoint: rx.Addr(), ConnectTimeout: 5 * time.Second}}

	err := runConnect(context.Background(), cfg, connectOptions{payload: "[1,2"}, io.Discard)
	assert.Error(t, err)
}

func TestVersionShort(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}
