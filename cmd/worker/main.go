package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/stdr"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/transport"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
)

const dialAttempts = 10

func main() {
	addr := os.Getenv("FRACTAL_COORDINATOR_ADDR")
	switch len(os.Args) {
	case 1:
	case 3:
		port, err := strconv.Atoi(os.Args[2])
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", os.Args[2])
			os.Exit(1)
		}
		addr = net.JoinHostPort(os.Args[1], strconv.Itoa(port))
	default:
		fmt.Fprintf(os.Stderr, "usage: %s <host> <port>\n", os.Args[0])
		os.Exit(1)
	}
	if addr == "" {
		fmt.Fprintf(os.Stderr, "usage: %s <host> <port> (or set FRACTAL_COORDINATOR_ADDR)\n", os.Args[0])
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = "Worker-Unknown"
	}
	log.Printf("Starting %s | Cores: %d | GOMAXPROCS: %d", workerID, runtime.NumCPU(), runtime.GOMAXPROCS(0))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The coordinator may still be starting when the container comes up.
	var link *transport.Client
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		link, err = transport.Dial(ctx, addr)
		if err == nil {
			break
		}
		log.Printf("[%s] dial %s failed (attempt %d/%d): %v", workerID, addr, attempt, dialAttempts, err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			os.Exit(2)
		}
	}
	if err != nil {
		os.Exit(2)
	}
	log.Printf("[%s] connected to %s as worker %d", workerID, addr, link.ID())

	stdr.SetVerbosity(0)
	w := worker.New(link, worker.Options{
		ID:     link.ID(),
		Logger: stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName(workerID),
	})

	mux := http.NewServeMux()
	(&worker.WorkerHandler{WorkerID: workerID, Worker: w}).Routes(mux)
	go func() {
		// We listen on 8080. The Docker mapping exposes this on a unique host port.
		if err := http.ListenAndServe(":8080", mux); err != nil {
			log.Printf("[%s] health server: %v", workerID, err)
		}
	}()

	go func() {
		<-ctx.Done()
		link.Close()
	}()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[%s] worker stopped: %v", workerID, err)
		os.Exit(2)
	}
	log.Printf("[%s] coordinator closed the connection", workerID)
}
