package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pion/webrtc/v4"

	"syncroom/internal/config"
	"syncroom/internal/device"
	"syncroom/internal/statusapi"
	"syncroom/internal/transport"
)

// negotiationTimeout bounds how long either side waits for its counterpart
// to show up on the signaling channel and complete the offer/answer
// exchange before giving up.
const negotiationTimeout = 30 * time.Second

func iceServers(cfg config.Config) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// hostAcceptGuests listens for guests joining the signaling room and
// negotiates a WebRTC connection with each one as it arrives, registering
// the result with dev as soon as the guest's answer has been applied.
func hostAcceptGuests(ctx context.Context, dev *device.Device, sc *transport.SignalingClient, cfg config.Config, logger *slog.Logger) {
	for {
		peerID, err := sc.NextPeerJoined(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("signaling: waiting for guest failed", "err", err)
			}
			return
		}
		go func(peerID string) {
			negCtx, cancel := context.WithTimeout(ctx, negotiationTimeout)
			defer cancel()

			pc, offer, err := transport.NewOffering(negCtx, transport.NewPeerConnectionConfig{
				PeerID:     peerID,
				ICEServers: iceServers(cfg),
				Logger:     logger,
			})
			if err != nil {
				logger.Error("webrtc: create offer for guest failed", "peer", peerID, "err", err)
				return
			}
			if err := sc.SendOffer(peerID, *offer); err != nil {
				logger.Error("signaling: send offer failed", "peer", peerID, "err", err)
				return
			}
			answer, err := sc.AwaitAnswer(negCtx, peerID)
			if err != nil {
				logger.Error("signaling: await answer failed", "peer", peerID, "err", err)
				return
			}
			if err := pc.SetRemoteAnswer(answer); err != nil {
				logger.Error("webrtc: apply answer failed", "peer", peerID, "err", err)
				return
			}

			if _, _, err := dev.Directory.Join(peerID, peerID, pc); err != nil {
				logger.Error("directory: join failed", "peer", peerID, "err", err)
				return
			}
			dev.AddConnection(peerID, pc)
			logger.Info("guest connected", "peer", peerID)
		}(peerID)
	}
}

// joinAsGuest dials the host's signaling endpoint, waits for the host's
// offer, answers it, and registers the resulting connection with dev.
func joinAsGuest(ctx context.Context, dev *device.Device, hostWSURL, code string, cfg config.Config, logger *slog.Logger) error {
	sc, err := transport.DialSignalingClient(ctx, hostWSURL, dev.ID, logger)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	defer sc.Close()

	if err := sc.Join(code); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	negCtx, cancel := context.WithTimeout(ctx, negotiationTimeout)
	defer cancel()

	hostPeerID, offer, err := sc.AwaitOffer(negCtx)
	if err != nil {
		return fmt.Errorf("await host offer: %w", err)
	}
	pc, answer, err := transport.NewAnswering(negCtx, transport.NewPeerConnectionConfig{
		PeerID:     hostPeerID,
		ICEServers: iceServers(cfg),
		Logger:     logger,
	}, offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := sc.SendAnswer(hostPeerID, *answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	dev.AddConnection(hostPeerID, pc)
	logger.Info("connected to host", "peer", hostPeerID)
	return nil
}

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	label := flag.String("label", "device", "display label for this device")
	host := flag.Bool("host", false, "act as the host of a new session")
	join := flag.String("join", "", "6-digit session code to join as a guest")
	dataDir := flag.String("data-dir", "syncroom-data", "directory for chunk store files")
	signalAddr := flag.String("signal-addr", ":8090", "signaling websocket listen address")
	hostAddr := flag.String("host-addr", "127.0.0.1:8090", "host's signaling address, used when joining")
	statusAddr := flag.String("status-addr", ":8091", "diagnostics HTTP listen address (empty to disable)")
	flag.Parse()

	if !*host && *join == "" {
		fmt.Fprintln(os.Stderr, "usage: syncroomd -host | -join <code>")
		os.Exit(1)
	}

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	id := uuid.NewString()
	dev, err := device.New(id, *label, *host, cfg, filepath.Join(*dataDir, id), nil, logger)
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		dev.LeaveSession()
		cancel()
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	signaling := transport.NewSignalingServer(logger)
	signaling.Register(e)

	if *host {
		ln, err := net.Listen("tcp", *signalAddr)
		if err != nil {
			log.Fatalf("signal listen: %v", err)
		}
		e.Listener = ln

		code, err := signaling.NewSessionCode()
		if err != nil {
			log.Fatalf("signaling: %v", err)
		}
		logger.Info("hosting session", "code", code)
		dev.StartLivenessSweep(ctx)

		go func() {
			if err := e.Start(*signalAddr); err != nil {
				logger.Error("signaling server stopped", "err", err)
			}
		}()
		logger.Info("signaling listening", "addr", ln.Addr().String())

		selfURL := fmt.Sprintf("ws://%s/signal", ln.Addr().String())
		sc, err := transport.DialSignalingClient(ctx, selfURL, dev.ID, logger)
		if err != nil {
			log.Fatalf("signaling: dial self: %v", err)
		}
		if err := sc.Join(code); err != nil {
			log.Fatalf("signaling: join own room: %v", err)
		}
		go hostAcceptGuests(ctx, dev, sc, cfg, logger)
	} else {
		logger.Info("joining session", "code", *join)
		go func() {
			if err := e.Start(*signalAddr); err != nil {
				logger.Error("signaling server stopped", "err", err)
			}
		}()

		hostWSURL := fmt.Sprintf("ws://%s/signal", *hostAddr)
		if err := joinAsGuest(ctx, dev, hostWSURL, *join, cfg, logger); err != nil {
			log.Fatalf("join session: %v", err)
		}
	}

	if *statusAddr != "" {
		status := statusapi.New(dev)
		go func() {
			if err := status.Run(ctx, *statusAddr); err != nil {
				logger.Error("status server stopped", "err", err)
			}
		}()
		logger.Info("status listening", "addr", *statusAddr)
	}

	go dev.Transfer.Watch(ctx)

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = e.Shutdown(shutdownCtx)
}
