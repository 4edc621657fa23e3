package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/stdr"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/coordinator"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/events"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/launcher"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/observability"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [port]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	log.Println("Starting Fractal Coordinator")
	log.Println("========================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("[Config] %v", err)
		os.Exit(1)
	}
	switch len(os.Args) {
	case 1:
	case 2:
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port <= 0 || port > 65535 {
			usage()
		}
		cfg.ClientPort = port
	default:
		usage()
	}

	log.Printf("[Config] Client Port: %d", cfg.ClientPort)
	log.Printf("[Config] Worker Port: %d", cfg.WorkerPort)
	log.Printf("[Config] Status Port: %d", cfg.StatusPort)
	log.Printf("[Config] Local Workers: %d", cfg.LocalWorkers)
	log.Printf("[Config] Container Workers: %d", cfg.ContainerWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracingFromEnv("fractal-coordinator")
	if err != nil {
		log.Printf("[Tracing] exporter disabled: %v", err)
	}

	stdr.SetVerbosity(cfg.LogVerbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	var publisher events.Publisher = events.Nop{}
	if cfg.MQTTBroker != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := events.DialMQTT(dialCtx, cfg.MQTTBroker, "fractal-coordinator", cfg.MQTTTopic)
		cancel()
		if err != nil {
			log.Printf("[Events] MQTT disabled: %v", err)
		} else {
			log.Printf("[Events] Publishing rounds to %s on %s", cfg.MQTTTopic, cfg.MQTTBroker)
			publisher = p
		}
	}

	engine := coordinator.New(coordinator.Options{
		InitialQueueCapacity: cfg.InitialQueueCapacity,
		OutboundQueueSize:    cfg.OutboundQueueSize,
		MaxTiles:             cfg.MaxTiles,
		Logger:               logger.WithName("engine"),
		Events:               publisher,
	})
	engine.Start()

	for i := 0; i < cfg.LocalWorkers; i++ {
		port := engine.Connect()
		w := worker.New(port, worker.Options{ID: port.ID(), Threads: 1, Logger: logger.WithName("worker")})
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Printf("[Worker] local worker %d stopped: %v", port.ID(), err)
			}
		}()
	}

	clientLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ClientPort))
	if err != nil {
		log.Printf("[FATAL] client listener: %v", err)
		os.Exit(2)
	}

	var workerLn net.Listener
	if cfg.WorkerPort > 0 {
		workerLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerPort))
		if err != nil {
			log.Printf("[FATAL] worker listener: %v", err)
			os.Exit(2)
		}
		go func() {
			if err := engine.ServeWorkers(workerLn); err != nil {
				log.Printf("[Coordinator] worker listener stopped: %v", err)
			}
		}()
		log.Printf("[Coordinator] Accepting remote workers on %s", workerLn.Addr())
	}

	var status *coordinator.StatusServer
	if cfg.StatusPort > 0 {
		status = coordinator.NewStatusServer(engine, cfg.StatusPort)
		go func() {
			if err := status.Start(); err != nil {
				log.Printf("[Status] server failed: %v", err)
			}
		}()
	}

	var containers *launcher.Launcher
	if cfg.ContainerWorkers > 0 {
		containers, err = launcher.NewDockerLauncher(launcher.Options{
			Image:           cfg.WorkerImage,
			CPUSets:         cfg.WorkerCPUSets,
			HealthBasePort:  cfg.WorkerHealthBasePort,
			CoordinatorAddr: cfg.CoordinatorAddr,
			Platform:        cfg.WorkerPlatform,
		})
		if err == nil {
			err = containers.CheckConnectivity(ctx)
		}
		if err != nil {
			log.Printf("[WARNING] container workers disabled: %v", err)
			containers = nil
		} else {
			n, err := containers.StartAll(ctx, cfg.ContainerWorkers)
			if err != nil {
				log.Printf("[WARNING] %v", err)
			}
			log.Printf("[Startup] %d container worker(s) started", n)
		}
	}

	log.Printf("[Startup] %d worker(s) registered", engine.Workers())
	log.Println("========================================")
	log.Printf("[Coordinator] Ready to accept client connections on %s", clientLn.Addr())

	go func() {
		<-ctx.Done()
		clientLn.Close()
		// Detaches an attached session so ServeClients returns.
		engine.Shutdown()
	}()
	if err := engine.ServeClients(ctx, clientLn); err != nil {
		log.Printf("[Coordinator] client listener failed: %v", err)
	}
	clientLn.Close()

	log.Println("[Coordinator] Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if containers != nil {
		if err := containers.StopAll(stopCtx); err != nil {
			log.Printf("[WARNING] container cleanup: %v", err)
		}
	}
	if workerLn != nil {
		workerLn.Close()
	}
	if status != nil {
		status.Shutdown(stopCtx)
	}
	engine.Shutdown()
	if err := shutdownTracing(stopCtx); err != nil {
		log.Printf("[Tracing] shutdown: %v", err)
	}
	log.Println("[Coordinator] Stopped")
}
