// Command demo runs a small end-to-end tour of the durable engine: an order
// workflow with compensated steps and a durable sleep, plus an approval
// workflow that waits on a signal. It defaults to the in-memory backends;
// pass -redis to run on Redis-backed store, queue, and Pulse event bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	durable "github.com/perdura/durable"
	"github.com/perdura/durable/api"
	"github.com/perdura/durable/dctx"
	"github.com/perdura/durable/execution"
	inmembus "github.com/perdura/durable/features/eventbus/inmem"
	pulsebus "github.com/perdura/durable/features/eventbus/pulse"
	clientspulse "github.com/perdura/durable/features/eventbus/pulse/clients/pulse"
	inmemqueue "github.com/perdura/durable/features/queue/inmem"
	redisqueue "github.com/perdura/durable/features/queue/redis"
	inmemstore "github.com/perdura/durable/features/store/inmem"
	redisstore "github.com/perdura/durable/features/store/redis"
	clientsredis "github.com/perdura/durable/features/store/redis/clients/redis"
	"github.com/perdura/durable/telemetry"
)

func main() {
	redisURL := flag.String("redis", "", "redis:// URL; empty runs fully in-memory")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText), log.WithDebug())
	if err := run(ctx, *redisURL, *configPath); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, redisURL, configPath string) error {
	opts := []durable.Option{
		durable.WithLogger(telemetry.NewClueLogger()),
		durable.WithMetrics(telemetry.NewClueMetrics()),
		durable.WithPollingInterval(100 * time.Millisecond),
		durable.WithWaitPollInterval(100 * time.Millisecond),
		durable.WithAudit(true),
	}
	if configPath != "" {
		cfg, err := durable.LoadConfig(configPath)
		if err != nil {
			return err
		}
		opts = append(opts, cfg.Options()...)
	}

	backends, cleanup, err := buildBackends(redisURL)
	if err != nil {
		return err
	}
	defer cleanup()
	opts = append(opts, backends...)

	svc, err := durable.New(opts...)
	if err != nil {
		return err
	}
	if err := registerWorkflows(svc); err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	if err := runOrder(ctx, svc); err != nil {
		return err
	}
	return runApproval(ctx, svc)
}

// buildBackends returns the store/queue/bus options and a cleanup closing any
// owned connections.
func buildBackends(redisURL string) ([]durable.Option, func(), error) {
	if redisURL == "" {
		return []durable.Option{
			durable.WithStore(inmemstore.New()),
			durable.WithQueue(inmemqueue.New()),
			durable.WithEventBus(inmembus.New()),
		}, func() {}, nil
	}

	client, err := clientsredis.New(clientsredis.Options{URL: redisURL})
	if err != nil {
		return nil, nil, err
	}
	st, err := redisstore.New(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	q, err := redisqueue.New(redisqueue.Options{Client: client})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	cfg, err := goredis.ParseURL(redisURL)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	pulseConn := goredis.NewClient(cfg)
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: pulseConn})
	if err != nil {
		client.Close()
		pulseConn.Close()
		return nil, nil, err
	}
	bus, err := pulsebus.NewBus(pulsebus.BusOptions{Client: pulseClient})
	if err != nil {
		client.Close()
		pulseConn.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = pulseConn.Close()
		_ = client.Close()
	}
	return []durable.Option{
		durable.WithStore(st),
		durable.WithQueue(q),
		durable.WithEventBus(bus),
	}, cleanup, nil
}

func registerWorkflows(svc *durable.Service) error {
	if err := svc.Register("order", func(ctx context.Context, dc *dctx.Context, input api.Payload) (api.Payload, error) {
		var order struct {
			Item string `json:"item"`
			Qty  int    `json:"qty"`
		}
		if err := json.Unmarshal(input, &order); err != nil {
			return nil, err
		}

		reservation, err := dctx.Step(ctx, dc, "reserve", func(context.Context) (string, error) {
			return fmt.Sprintf("res-%s-%d", order.Item, order.Qty), nil
		}, dctx.WithCompensation(func(ctx context.Context, v api.Payload) error {
			dc.Note(ctx, "releasing reservation", map[string]any{"reservation": string(v)})
			return nil
		}))
		if err != nil {
			return nil, err
		}

		if _, err := dc.Step(ctx, "charge", func(context.Context) (any, error) {
			return map[string]any{"charged": true}, nil
		}, dctx.WithRetries(2), dctx.WithTimeout(5*time.Second)); err != nil {
			return nil, err
		}

		// Simulated fulfillment delay; the execution parks and resumes.
		if err := dc.Sleep(ctx, 200*time.Millisecond); err != nil {
			return nil, err
		}

		if err := dc.Emit(ctx, "order.fulfilled", map[string]string{"reservation": reservation}); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": "fulfilled", "reservation": reservation})
	}); err != nil {
		return err
	}

	return svc.Register("approval", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		outcome, err := dc.WaitForSignal(ctx, "approve", dctx.WithSignalTimeout(30*time.Second))
		if err != nil {
			return nil, err
		}
		if outcome.Kind == dctx.SignalTimedOut {
			return json.Marshal("expired")
		}
		return outcome.Payload, nil
	})
}

func runOrder(ctx context.Context, svc *durable.Service) error {
	log.Infof(ctx, "starting order workflow")
	out, err := svc.Execute(ctx, "order", api.Payload(`{"item":"widget","qty":3}`), execution.StartOptions{
		MaxAttempts: 3,
	})
	if err != nil {
		return fmt.Errorf("order workflow: %w", err)
	}
	log.Infof(ctx, "order result: %s", out)
	return nil
}

func runApproval(ctx context.Context, svc *durable.Service) error {
	id, err := svc.StartExecution(ctx, "approval", nil, execution.StartOptions{})
	if err != nil {
		return err
	}
	log.Infof(ctx, "approval workflow %s waiting for signal", id)

	// Give the attempt a moment to park on the signal wait, then approve.
	time.Sleep(500 * time.Millisecond)
	if err := svc.Signal(ctx, id, "approve", api.Payload(`{"approved_by":"demo"}`)); err != nil {
		return fmt.Errorf("deliver signal: %w", err)
	}

	out, err := svc.Wait(ctx, id, 10*time.Second)
	if err != nil {
		return fmt.Errorf("await approval result: %w", err)
	}
	log.Infof(ctx, "approval result: %s", out)
	return nil
}
