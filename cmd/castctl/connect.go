package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/config"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/logger"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/registry"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/socket"
	"github.com/risa-org/castchannel/store"
	"github.com/risa-org/castchannel/store/file"
	"github.com/risa-org/castchannel/store/memory"
	"github.com/risa-org/castchannel/telemetry"
	"github.com/risa-org/castchannel/transport/sender"
	"github.com/risa-org/castchannel/transport/websocket"
)

const defaultNamespace = "urn:x-cast:com.google.cast.receiver"

type connectOptions struct {
	namespace   string
	destination string
	payload     string
	wait        time.Duration
	virtualConn bool
}

func connectCmd(configPath *string) *cobra.Command {
	var endpoint string
	opts := connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect [endpoint]",
		Short: "Open an authenticated channel and optionally send a message",
		Long: `Connect to a receiver, run device auth and keep the channel open.

With --payload a JSON message is sent on --namespace once the channel is
open. Inbound messages are printed one per line until --wait elapses,
the channel fails or the process is interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				endpoint = args[0]
			}
			if endpoint != "" {
				cfg.Channel.Endpoint = endpoint
			}
			if cfg.Channel.Endpoint == "" {
				return errors.New("no endpoint: pass one or set channel.endpoint")
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "receiver host:port (overrides channel.endpoint)")
	cmd.Flags().StringVarP(&opts.namespace, "namespace", "n", defaultNamespace, "namespace for --payload")
	cmd.Flags().StringVarP(&opts.destination, "dest", "d", message.PlatformReceiverID, "destination id for --payload")
	cmd.Flags().StringVarP(&opts.payload, "payload", "p", "", `JSON object to send, e.g. '{"type":"GET_STATUS"}'`)
	cmd.Flags().DurationVarP(&opts.wait, "wait", "w", 0, "how long to stay connected (0 waits for a signal)")
	cmd.Flags().BoolVar(&opts.virtualConn, "virtual-connect", true, "send CONNECT to --dest before --payload")

	return cmd
}

// printer writes inbound messages and remembers the first channel error.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	failed chan channel.ChannelError
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, failed: make(chan channel.ChannelError, 1)}
}

func (p *printer) OnMessage(_ *socket.Socket, msg *message.CastMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s -> %s %s\n", msg.Namespace, msg.SourceID, msg.DestinationID, msg.StringPayload())
}

func (p *printer) OnError(_ *socket.Socket, err channel.ChannelError) {
	select {
	case p.failed <- err:
	default:
	}
}

func runConnect(ctx context.Context, cfg config.Config, opts connectOptions, out io.Writer) error {
	loop := sequence.NewLoop()
	defer loop.Stop()

	promReg := prometheus.NewRegistry()
	events := telemetry.Multi(
		telemetry.NewSlog(logger.Logger()),
		telemetry.NewPrometheus(telemetry.WithRegistry(promReg)),
	)

	devices, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	roots, err := loadRoots(cfg.Channel.RootsFile)
	if err != nil {
		return err
	}
	if roots == nil {
		logger.Warn("no device roots configured, any device certificate chain is accepted")
	}
	caps, err := cfg.Channel.DeviceCapabilities()
	if err != nil {
		return err
	}

	socketOpts := []socket.Option{
		socket.WithLogger(events),
		socket.WithAuthenticator(&handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: roots}}),
	}
	if cfg.Channel.RelayURL != "" {
		socketOpts = append(socketOpts, socket.WithDialer(&websocket.Dialer{URL: cfg.Channel.RelayURL}))
	}
	reg := registry.New(loop,
		registry.WithStore(devices),
		registry.WithLogger(events),
		registry.WithSocketOptions(socketOpts...),
	)
	defer loop.Do(reg.CloseAll)

	if cfg.Debug.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Debug.Listen,
			Handler:           newDebugRouter(reg, loop, promReg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	params := socket.OpenParams{
		Endpoint:           cfg.Channel.Endpoint,
		ConnectTimeout:     cfg.Channel.ConnectTimeout,
		PingInterval:       cfg.Channel.PingInterval,
		LivenessTimeout:    cfg.Channel.LivenessTimeout,
		DeviceCapabilities: caps,
	}
	p := newPrinter(out)
	results := make(chan channel.ChannelError, 1)
	var sock *socket.Socket
	var openErr error
	loop.Do(func() {
		sock, openErr = reg.Open(params, func(_ *socket.Socket, e channel.ChannelError) { results <- e })
		if openErr == nil {
			sock.AddObserver(p)
		}
	})
	if openErr != nil {
		return openErr
	}

	select {
	case e := <-results:
		if e != channel.ErrorNone {
			return fmt.Errorf("connect %s: %w", params.Endpoint, e)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("channel open", "channel", sock.ID(), "endpoint", params.Endpoint)

	if opts.payload != "" {
		if err := sendPayload(ctx, sender.New(sock, loop, newSenderID()), opts, out); err != nil {
			return err
		}
	}

	var timeout <-chan time.Time
	if opts.wait > 0 {
		timeout = time.After(opts.wait)
	}
	select {
	case e := <-p.failed:
		return fmt.Errorf("channel %d: %w", sock.ID(), e)
	case <-timeout:
	case <-ctx.Done():
	}
	return nil
}

func sendPayload(ctx context.Context, s *sender.Sender, opts connectOptions, out io.Writer) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(opts.payload), &payload); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	if opts.virtualConn {
		_, err := s.SendJSON(ctx, message.NamespaceConnection, opts.destination, map[string]any{"type": "CONNECT"})
		if err != nil {
			return fmt.Errorf("virtual connect: %w", err)
		}
	}
	id, err := s.SendJSON(ctx, opts.namespace, opts.destination, payload)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Fprintf(out, "sent %s %s=%d\n", opts.namespace, sender.RequestIDKey, id)
	return nil
}

func newSenderID() string {
	return "sender-" + uuid.NewString()[:8]
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return memory.New(), nil
	}
	return file.New(path)
}

// loadRoots returns nil for an empty path.
func loadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("device roots: no certificates in %s", path)
	}
	return pool, nil
}
