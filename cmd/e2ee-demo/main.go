// Command e2ee-demo drives one side of a two-peer E2EE call end to end over
// Redis-backed signalling: key exchange, a few encrypted media frames, a
// manual rotation, and one encrypted chat message. It exists to exercise
// pkg/session/pkg/exchange/pkg/signalling together outside of a browser, the
// way the teacher's client/cli and cmd/demo-p2p commands exercised the mesh
// daemon outside of a real network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsecall/e2ee-core/pkg/config"
	"github.com/pulsecall/e2ee-core/pkg/crypto/framecodec"
	"github.com/pulsecall/e2ee-core/pkg/exchange"
	"github.com/pulsecall/e2ee-core/pkg/logging"
	"github.com/pulsecall/e2ee-core/pkg/session"
	"github.com/pulsecall/e2ee-core/pkg/signalling"
)

const version = "0.1.0"

var (
	redisAddr  string
	roomID     string
	localPeer  string
	remotePeer string
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "e2ee-demo",
		Short:   "Drive a two-peer E2EE media+chat call over Redis signalling",
		Version: version,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&redisAddr, "redis", "127.0.0.1:6379", "Redis address used as the signalling backend")
	root.PersistentFlags().StringVar(&roomID, "room", "demo-room", "room identifier shared by both peers")
	root.PersistentFlags().StringVar(&localPeer, "peer", "", "local peer identifier (required)")
	root.PersistentFlags().StringVar(&remotePeer, "remote", "", "remote peer identifier (required)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config overriding the §6 timing constants")

	root.AddCommand(initiatorCmd(), participantCmd(), configInitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "e2ee-demo: %v\n", err)
		os.Exit(1)
	}
}

func initiatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initiator",
		Short: "Run this process as the handshake initiator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(exchange.RoleInitiator)
		},
	}
}

func participantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "participant",
		Short: "Run this process as the handshake participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(exchange.RoleParticipant)
		},
	}
}

func configInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a YAML config file populated with the spec §6 defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Write(config.Default(), out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "e2ee-demo.yaml", "output path")
	return cmd
}

func runDemo(role exchange.Role) error {
	if localPeer == "" || remotePeer == "" {
		return fmt.Errorf("--peer and --remote are both required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	logger, err := logging.New("e2ee-demo", logging.INFO, "")
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer logger.Close()
	logger = logger.WithFields(logging.Fields{"call_id": roomID, "local_peer": localPeer, "remote_peer": remotePeer})

	exCfg := exchange.DefaultConfig()
	exCfg.KeyExchangeTimeout = cfg.KeyExchange.Timeout
	exCfg.MaxRetryAttempts = cfg.KeyExchange.MaxRetryAttempts
	exCfg.BackoffMultiplier = cfg.KeyExchange.BackoffMultiplier
	exCfg.BackoffCap = cfg.KeyExchange.BackoffCap
	exCfg.RotationPeriod = cfg.Rotation.Period

	ctrl := session.NewController(role, exCfg, nil, session.PlatformChainOfTransforms, session.Callbacks{
		OnStatusChange: func(status session.Status) {
			logger.Info("status changed", logging.Fields{"status": status.String()})
		},
	}, logger)

	// The signalling transport must exist before the controller starts so no
	// early message from the peer is lost (spec §4.4 step 1); it is wired in
	// after construction because it needs the controller's exchange engine
	// as its dispatch target, and the engine needs a transport reference —
	// hence the two-phase build here instead of a single constructor call.
	transport, err := signalling.DialRedis(signalling.RedisConfig{
		Addr:   redisAddr,
		RoomID: roomID,
		PeerID: localPeer,
	}, remotePeer, signalling.Dispatch{
		OnKeyOffer:    ctrl.Exchange().HandleKeyOffer,
		OnKeyAnswer:   ctrl.Exchange().HandleKeyAnswer,
		OnKeyRotation: ctrl.Exchange().HandleKeyRotation,
	})
	if err != nil {
		return fmt.Errorf("dialing signalling transport: %w", err)
	}
	defer transport.Close()

	ctrl.Exchange().SetTransport(transport)

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go driveDemoTraffic(ctx, ctrl, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ctrl.Close(shutdownCtx)
}

// driveDemoTraffic waits for the call to go active, then submits a handful
// of placeholder video frames through the encryption pipeline, triggers one
// diagnostic rotation, and sends a single encrypted chat message — enough to
// exercise every public surface of pkg/session without a real media source.
func driveDemoTraffic(ctx context.Context, ctrl *session.Controller, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		if ctrl.Status() == session.StatusActive {
			break
		}
	}

	local, remote := ctrl.Fingerprints()
	logger.Info("encryption active", logging.Fields{
		"safety_number": ctrl.SafetyNumber(),
		"local_fp":      local,
		"remote_fp":     remote,
	})

	sender := ctrl.AttachSender(framecodec.KindVideo)
	for i := 0; i < 5; i++ {
		frame := []byte(fmt.Sprintf("frame-%d", i))
		if !sender.Submit(frame) {
			logger.Warn("demo frame dropped under backpressure", logging.Fields{"index": i})
		}
		time.Sleep(33 * time.Millisecond)
	}

	if err := ctrl.RotateKeys(); err != nil {
		logger.Warn("rotation request skipped", logging.Fields{"reason": err.Error()})
	}

	env, err := ctrl.EncryptChatMessage([]byte("hello over the wire"))
	if err != nil {
		logger.Error("chat encrypt failed", logging.Fields{"error": err.Error()})
		return
	}
	logger.Info("chat message encrypted", logging.Fields{"ciphertext_len": len(env.Ciphertext)})
}
