// Command doorbell-sip wires the signaling agent and audio pump to their
// production collaborators and runs until interrupted. It is the reference
// entrypoint, not a replacement for the firmware's own button/actuator/UI
// integration (spec.md §1 non-goals).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/doorbell-sip/config"
	"github.com/arzzra/doorbell-sip/internal/adapters"
	"github.com/arzzra/doorbell-sip/internal/digestauth"
	"github.com/arzzra/doorbell-sip/internal/metrics"
	"github.com/arzzra/doorbell-sip/internal/rtpmedia"
	"github.com/arzzra/doorbell-sip/internal/signaling"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("doorbell-sip exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	sipConn, err := adapters.DialUDP(fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.LocalPort))
	if err != nil {
		return fmt.Errorf("binding sip socket: %w", err)
	}
	defer sipConn.Close()

	rtpConn, err := adapters.DialUDP(fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.LocalRTPPort))
	if err != nil {
		return fmt.Errorf("binding rtp socket: %w", err)
	}
	defer rtpConn.Close()
	if err := adapters.TagVoiceSocket(rtpConn); err != nil {
		logger.Warn("voice socket QoS tagging failed, continuing best-effort", "error", err)
	}

	clock := adapters.SystemClock{}
	rnd := adapters.CryptoRandom{}
	md5 := digestauth.MD5Hasher{}

	commands := make(chan signaling.Command, 4)
	events := make(chan signaling.SipEvent, 16)

	sipCfg := signaling.SipConfig{
		User:           cfg.User,
		Password:       cfg.Password,
		ServerHost:     cfg.ServerHost,
		ServerPort:     cfg.ServerPort,
		LocalIP:        cfg.LocalIP,
		LocalPort:      cfg.LocalPort,
		LocalRTPPort:   cfg.LocalRTPPort,
		RegisterJitter: cfg.RegisterJitter(),
	}
	agent, err := signaling.NewAgent(sipCfg, sipConn, clock, rnd, md5, commands, events, logger)
	if err != nil {
		return fmt.Errorf("constructing sip agent: %w", err)
	}

	var activePump atomic.Pointer[rtpmedia.Pump]
	collector := metrics.NewCollector(agent, func() metrics.PumpStats {
		p := activePump.Load()
		if p == nil {
			return nil
		}
		return p
	})
	prometheus.MustRegister(collector)
	go serveMetrics(logger, "127.0.0.1:9090")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	remoteRTP := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.LocalRTPPort)
	go consumeEvents(ctx, logger, events, rtpConn, remoteRTP, clock, &activePump)

	return agent.Run(ctx)
}

// consumeEvents starts/stops the audio pump alongside CallStart/CallEnd and
// logs everything else the agent posts — button presses, cancellations.
// The UI/actuator integration that would react to these lives above this
// core (spec.md §1 non-goal); this loop only keeps the reference binary
// runnable end-to-end.
func consumeEvents(ctx context.Context, logger *slog.Logger, events <-chan signaling.SipEvent, rtpConn *adapters.UDPConn, remoteRTP string, clock adapters.SystemClock, activePump *atomic.Pointer[rtpmedia.Pump]) {
	rnd := adapters.CryptoRandom{}
	var cancelPump context.CancelFunc

	remoteAddr, err := net.ResolveUDPAddr("udp", remoteRTP)
	if err != nil {
		logger.Error("resolving remote rtp address failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			if cancelPump != nil {
				cancelPump()
			}
			return
		case ev := <-events:
			switch ev.Kind {
			case signaling.EventCallStart:
				pumpCtx, cancel := context.WithCancel(ctx)
				cancelPump = cancel
				pump := rtpmedia.NewPump(rtpConn, remoteAddr, clock, adapters.SilentFrames{}, adapters.SilentFrames{}, rnd.Uint32(), -1)
				activePump.Store(pump)
				go func() {
					if err := pump.Run(pumpCtx); err != nil {
						logger.Info("audio pump stopped", "error", err)
					}
				}()
				logger.Info("call started", "called_party_id", ev.CalledPartyID)
			case signaling.EventCallEnd, signaling.EventCallCancelled:
				if cancelPump != nil {
					cancelPump()
					cancelPump = nil
				}
				activePump.Store(nil)
				logger.Info("call ended", "reason", ev.CancelReason)
			case signaling.EventButtonPress:
				logger.Info("dtmf button press", "signal", string(ev.Signal), "duration_ms", ev.DurationMS)
			}
		}
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
