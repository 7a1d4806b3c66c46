package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"gpio-rpc/client"
	"gpio-rpc/config"
	"gpio-rpc/demo"
	"gpio-rpc/driver"
	"gpio-rpc/logging"
	"gpio-rpc/metrics"
	"gpio-rpc/middleware"
	"gpio-rpc/protocol"
	"gpio-rpc/server"
	"gpio-rpc/status"
	"gpio-rpc/transport"
)

const (
	roleHost = "host"
	rolePeer = "peer"
	roleBoth = "both"
)

func main() {
	cfgPath := flag.String("config", "", "path to a TOML config file")
	role := flag.String("role", roleBoth, "which end to run: host, peer or both")
	traffic := flag.Duration("demo", 0, "send sample calls at this interval (0 disables)")
	flag.Parse()

	logging.ConfigureRuntime()
	metrics.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfgPath, *role, *traffic); err != nil {
		fmt.Fprintf(os.Stderr, "gpiobridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, role string, traffic time.Duration) error {
	switch role {
	case roleHost, rolePeer, roleBoth:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	region, closeRegion, err := openRegion(cfg)
	if err != nil {
		return err
	}
	defer closeRegion()

	loop := driver.NewLoop(cfg.TickRateHz)
	catalog := demo.Catalog()

	if role != roleHost {
		peer, err := server.NewServer(
			transport.NewPeerChannel(region, protocol.WithMaxBody(cfg.MaxBody)),
			server.WithRateLimit(cfg.PeerRate, cfg.PeerBurst),
			server.WithContext(ctx),
		)
		if err != nil {
			return err
		}
		peer.Use(middleware.LoggingMiddleware(log.Logger))
		if err := peer.RegisterCatalog(catalog, demo.NewCart().Handlers()); err != nil {
			return err
		}
		peer.Attach(loop)
		defer peer.Shutdown()
	}

	if role != rolePeer {
		bridge, err := client.Connect(
			transport.NewHostChannel(region, protocol.WithMaxBody(cfg.MaxBody)),
			loop,
			client.WithUsableSize(cfg.UsableSize),
		)
		if err != nil {
			return err
		}
		defer bridge.Close()

		srv := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: newRouter(bridge, cfg),
		}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		if traffic > 0 {
			go sendSamples(ctx, bridge, traffic)
		}
	}

	log.Info().
		Str("role", role).
		Str("region", cfg.Region).
		Int("buffer_size", cfg.BufferSize).
		Msg("gpiobridge started")
	return loop.Run(ctx)
}

func openRegion(cfg config.Config) (transport.Region, func(), error) {
	if cfg.Region == config.RegionEtcd {
		r, err := transport.NewEtcdRegion(cfg.EtcdEndpoints, cfg.EtcdKey, cfg.BufferSize, cfg.EtcdTimeout)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	return transport.NewMemRegion(cfg.BufferSize), func() {}, nil
}

func newRouter(bridge *client.Bridge, cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return status.NewRouter(bridge, demo.Catalog(), log.Logger, cfg.CORSOrigins)
}

// sendSamples keeps a little traffic on the bridge so the status routes
// have something to show.
func sendSamples(ctx context.Context, bridge *client.Bridge, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var n byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		inv, err := demo.Sum.Invoke([]byte{1, 2, 3, 4, n})
		if err != nil {
			log.Error().Err(err).Msg("build sample call")
			return
		}
		call, err := bridge.Send(inv)
		if err != nil {
			log.Warn().Err(err).Msg("sample call not sent")
			if errors.Is(err, client.ErrStopped) || errors.Is(err, client.ErrClosed) {
				return
			}
			continue
		}
		go func() {
			waitCtx, cancel := context.WithTimeout(ctx, every*4)
			defer cancel()
			reply, err := call.Wait(waitCtx)
			if err != nil {
				log.Warn().Err(err).Uint8("call_id", call.ID).Msg("sample call unanswered")
				return
			}
			log.Info().Uint8("call_id", call.ID).Interface("reply", reply).Msg("sample call answered")
		}()
	}
}
