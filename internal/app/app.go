package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"dht-bridge/internal/commands"
	"dht-bridge/internal/config"
	"dht-bridge/internal/connection"
	"dht-bridge/internal/db"
	"dht-bridge/internal/db/migrate"
	"dht-bridge/internal/history"
	"dht-bridge/internal/httpapi"
	"dht-bridge/internal/mqtt"
	"dht-bridge/internal/payload"
	"dht-bridge/internal/publisher"
	"dht-bridge/internal/sampler"
	"dht-bridge/internal/sensor"
)

// Build identifies this process.
type Build struct {
	Version string
	BootID  string
}

// Console is where an interactive broker address is read from.
type Console struct {
	In  io.Reader
	Out io.Writer
}

func Run(ctx context.Context, cfg config.Config, build Build, console Console) error {
	logger := slog.Default()

	cfg, err := resolveBroker(cfg, console)
	if err != nil {
		return err
	}
	cfg.MQTTClientID = clientID(cfg.MQTTClientID, build.BootID)

	logger.Info("config loaded",
		"mqtt_broker", cfg.MQTTBrokerURL,
		"mqtt_client_id", cfg.MQTTClientID,
		"publish_topic", cfg.PublishTopic,
		"subscribe_topic", cfg.SubscribeTopic,
		"sensor_driver", cfg.SensorDriver,
		"sensor_gpio", cfg.SensorGPIO,
		"poll_interval", cfg.SensorPollInterval,
		"payload_format", cfg.PayloadFormat,
		"history_db", cfg.HistoryDBPath,
		"http_addr", cfg.HTTPAddr,
	)

	format, err := payload.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return err
	}

	reader, err := sensor.Open(cfg)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Error("sensor close", "error", err)
		}
	}()

	var (
		recorder *history.Recorder
		repo     history.Repository
	)
	if cfg.HistoryDBPath != "" {
		dbConn, err := db.Open(cfg.HistoryDBPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(dbConn); err != nil {
				logger.Error("db close", "error", err)
			}
		}()
		if _, err := migrate.Run(ctx, dbConn, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo = history.NewRepository(dbConn)
		recorder = history.NewRecorder(repo, build.BootID, history.DefaultQueueSize, logger)
		recorder.SetRetention(cfg.HistoryRetention)
	}

	status := &connection.Status{}
	interpreter := commands.New(recorder, logger)
	handler := connection.NewHandler(status, cfg.SubscribeTopic, interpreter, recorder, logger)

	client, err := mqtt.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	pub := publisher.New(status, client, logger)
	loop := sampler.New(reader, pub, recorder, sampler.Options{
		Topic:    cfg.PublishTopic,
		Format:   format,
		Interval: cfg.SensorPollInterval,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := client.Dispatch(gctx, func(ev connection.Event) { handler.Handle(ev) })
		return ignoreCanceled(err)
	})

	g.Go(func() error {
		// With ConnectRetry paho keeps dialing; this only returns on the
		// first CONNACK, on shutdown or on a misconfigured client.
		err := client.Connect(gctx)
		switch {
		case err == nil:
			logger.Info("mqtt session established", "broker", cfg.MQTTBrokerURL)
		case errors.Is(err, mqtt.ErrStopped), errors.Is(err, context.Canceled):
		default:
			logger.Warn("mqtt connect failed (sampling continues, publishes skipped)", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		client.Disconnect()
		return nil
	})

	if recorder != nil {
		g.Go(func() error { return ignoreCanceled(recorder.Run(gctx)) })
	}

	g.Go(func() error { return ignoreCanceled(loop.Run(gctx)) })

	if cfg.HTTPAddr != "" {
		mux := httpapi.NewMux(httpapi.Deps{
			BootID:   build.BootID,
			Version:  build.Version,
			State:    status,
			Errors:   handler,
			Readings: loop,
			History:  repo,
			Dropped:  dropped(recorder),
		})
		srv := httpapi.NewServer(cfg.HTTPAddr, mux, logger)

		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			logger.Info("http shutting down")
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// resolveBroker reads the broker address from the console when configured
// as FROM_STDIN. Any failure is fatal.
func resolveBroker(cfg config.Config, console Console) (config.Config, error) {
	if !cfg.InteractiveBroker() {
		return cfg, nil
	}
	if console.In == nil {
		return cfg, errors.New("broker url: no console to read from")
	}
	out := console.Out
	if out == nil {
		out = io.Discard
	}
	url, err := config.ReadBrokerURL(console.In, out)
	if err != nil {
		return cfg, fmt.Errorf("broker url: %w", err)
	}
	cfg.MQTTBrokerURL = url
	return cfg, nil
}

func clientID(configured, bootID string) string {
	if configured != "" {
		return configured
	}
	if len(bootID) > 8 {
		bootID = bootID[:8]
	}
	return "dht-bridge-" + bootID
}

func dropped(r *history.Recorder) func() uint64 {
	if r == nil {
		return nil
	}
	return r.Dropped
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
