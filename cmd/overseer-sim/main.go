package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/sim"
)

var version = "dev"

func main() {
	port := flag.Int("port", 8700, "Port to listen on")
	bind := flag.String("bind", "127.0.0.1", "Address to bind to")
	token := flag.String("token", "", "Require this Bearer token (empty disables auth)")
	delay := flag.Duration("delay", 100*time.Millisecond, "Simulated query execution time")
	result := flag.String("result", "", "Fixed completion result (empty echoes the query)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *bind != "127.0.0.1" && *bind != "localhost" && *bind != "::1" {
		fmt.Fprintf(os.Stderr, "Warning: bind=%q exposes the simulated server beyond loopback.\n", *bind)
	}

	log := logging.New(logging.Config{Component: "overseer-sim"})

	srv, err := sim.NewServer(sim.Options{
		Token:         *token,
		ResponseDelay: *delay,
		Result:        *result,
		Version:       version,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", *bind, *port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\nShutting down...\n")
		srv.Close()
		httpSrv.Close()
	}()

	log.Info("simulated server starting", map[string]any{
		"addr":    addr,
		"version": version,
	})

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
