package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/format"
	"phobos.org.uk/overseer/internal/history"
	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/monitor"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	serverURL := flag.String("url", "", "Execution server URL (network strategy)")
	command := flag.String("cmd", "", "Worker command (subprocess strategy, or fallback with -url)")
	sessionID := flag.String("session", "", "Session ID to join (network strategy)")
	query := flag.String("query", "", "Query to send after start")
	timeout := flag.Duration("timeout", 0, "Absolute execution timeout for the worker (0 disables)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	noHistory := flag.Bool("no-history", false, "Skip recording the run in history")
	showHistory := flag.Bool("history", false, "List recent runs and exit")
	transcriptID := flag.String("transcript", "", "Print the output transcript for a run ID and exit")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *showHistory || *transcriptID != "" {
		dir, err := historyDir(*configPath)
		if err == nil {
			if *transcriptID != "" {
				err = showRunTranscript(dir, *transcriptID)
			} else {
				err = listHistory(dir)
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := buildConfig(*configPath, *serverURL, *command, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(logging.Config{
		Level:     logging.Level(cfg.LogLevel),
		Component: "overseer",
	})

	if err := run(cfg, log, *sessionID, *query, !*noHistory); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig resolves the config file and flag overrides into a validated
// monitor config. Flags alone are enough: -url selects network, -cmd selects
// subprocess, both together select network with subprocess fallback.
func buildConfig(path, serverURL, command string, timeout time.Duration) (*config.MonitorConfig, error) {
	var cfg *config.MonitorConfig
	var err error

	switch {
	case path != "":
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	case serverURL != "" && command != "":
		cmd, args := splitCommand(command)
		cfg = config.NewHybridConfig(serverURL, cmd, args...)
	case serverURL != "":
		cfg = config.NewNetworkConfig(serverURL)
	case command != "":
		cmd, args := splitCommand(command)
		cfg = config.NewSubprocessConfig(cmd, args...)
	default:
		return nil, fmt.Errorf("one of -config, -url, or -cmd is required")
	}

	if timeout > 0 {
		if cfg.Subprocess != nil {
			cfg.Subprocess.Timeout = timeout
		}
		if cfg.FallbackSubprocess != nil {
			cfg.FallbackSubprocess.Timeout = timeout
		}
	}

	return cfg, cfg.Validate()
}

func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// historyDir resolves the run history directory, honoring a config file's
// history_dir when one is given.
func historyDir(configPath string) (string, error) {
	if configPath == "" {
		return config.DefaultHistoryPath(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.HistoryDir, nil
}

func listHistory(dir string) error {
	store, err := history.NewStore(dir)
	if err != nil {
		return err
	}

	res := store.List(history.ListOptions{Limit: 20})
	if res.Total == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	for _, e := range res.Entries {
		marker := " "
		if e.HasTranscript {
			marker = "*"
		}
		fmt.Printf("%s  %-10s  %-9s  %8s  %s %s\n",
			e.StartedAt.Format("2006-01-02 15:04:05"),
			e.Strategy,
			e.State,
			format.Elapsed(time.Duration(e.DurationSeconds*float64(time.Second))),
			e.RunID,
			marker)
	}
	fmt.Printf("%d of %d runs (* has transcript, show with -transcript <run-id>)\n",
		len(res.Entries), res.Total)
	return nil
}

func showRunTranscript(dir, runID string) error {
	store, err := history.NewStore(dir)
	if err != nil {
		return err
	}
	data, err := store.GetTranscript(runID)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

func run(cfg *config.MonitorConfig, log *logging.Logger, sessionID, query string, recordHistory bool) error {
	um := monitor.NewUnifiedMonitor(log)
	defer um.Stop()

	done := make(chan struct{})
	var result json.RawMessage
	var runErr error

	// The network strategy reports both the completion record and the final
	// answer, so the terminal transition must be single-shot. First wins.
	var finishOnce sync.Once

	var transcriptMu sync.Mutex
	var transcript strings.Builder

	um.RegisterCallbacks(monitor.Callbacks{
		OnStatusChange: func(s monitor.Status) {
			if s.Message != "" {
				fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", s.Strategy, s.Phase, s.Message)
			}
		},
		OnOutput: func(line, stream string) {
			transcriptMu.Lock()
			transcript.WriteString(line)
			transcript.WriteByte('\n')
			transcriptMu.Unlock()
			if stream == "stderr" {
				fmt.Fprintln(os.Stderr, line)
				return
			}
			fmt.Println(line)
		},
		OnCompletion: func(r json.RawMessage) {
			finishOnce.Do(func() {
				result = r
				close(done)
			})
		},
		OnAborted: func() {
			finishOnce.Do(func() {
				runErr = monitor.ErrAborted
				close(done)
			})
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "monitor error: %v\n", err)
		},
		OnDisconnected: func() {
			fmt.Fprintln(os.Stderr, "disconnected, reconnecting...")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()
	if err := um.Start(ctx, cfg); err != nil {
		return err
	}

	if sessionID != "" {
		if err := um.JoinSession(sessionID); err != nil {
			return err
		}
	}
	if query != "" {
		if err := um.SendQuery(query); err != nil {
			return err
		}
	}

	// First interrupt aborts the task; a second one gives up waiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	state := um.GetState()
	if state.ActiveStrategy == monitor.StrategyNetwork && query == "" {
		// Pure observation: stay attached until interrupted.
		<-sigCh
		fmt.Fprintf(os.Stderr, "\nDetaching after %s\n", format.Elapsed(time.Since(started)))
		return nil
	}

	select {
	case <-done:
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nAborting...")
		um.Abort()
		select {
		case <-done:
		case <-sigCh:
			runErr = fmt.Errorf("gave up waiting for abort after %s", format.Elapsed(time.Since(started)))
		case <-time.After(15 * time.Second):
			runErr = fmt.Errorf("abort did not complete after %s", format.Elapsed(time.Since(started)))
		}
	}

	elapsed := time.Since(started)

	if recordHistory {
		transcriptMu.Lock()
		output := transcript.String()
		transcriptMu.Unlock()
		if err := saveRun(cfg, um, started, elapsed, result, runErr, output); err != nil {
			log.Warn("recording run history failed", map[string]any{"error": err.Error()})
		}
	}

	if runErr != nil {
		return fmt.Errorf("%w (after %s)", runErr, format.Elapsed(elapsed))
	}
	if len(result) > 0 {
		fmt.Println(string(result))
	}
	fmt.Fprintf(os.Stderr, "Done in %s\n", format.Elapsed(elapsed))
	return nil
}

func saveRun(cfg *config.MonitorConfig, um *monitor.UnifiedMonitor, started time.Time, elapsed time.Duration, result json.RawMessage, runErr error, transcript string) error {
	store, err := history.NewStore(cfg.HistoryDir)
	if err != nil {
		return err
	}

	state := um.GetState()
	status := um.Status()

	entry := &history.Entry{
		RunID:           uuid.NewString(),
		SessionID:       state.SessionID,
		Strategy:        string(state.ActiveStrategy),
		State:           runState(runErr),
		StartedAt:       started,
		CompletedAt:     started.Add(elapsed),
		DurationSeconds: elapsed.Seconds(),
		ExitCode:        status.ExitCode,
		Result:          string(result),
	}
	if cfg.Subprocess != nil {
		entry.Command = cfg.Subprocess.Command
	}
	if runErr != nil {
		entry.Error = &history.EntryError{
			Type:    fmt.Sprintf("%T", runErr),
			Message: runErr.Error(),
		}
	}

	if err := store.Save(entry); err != nil {
		return err
	}
	if transcript != "" {
		return store.SaveTranscript(entry.RunID, []byte(transcript))
	}
	return nil
}

func runState(runErr error) string {
	switch {
	case runErr == nil:
		return string(monitor.ProcessCompleted)
	case runErr == monitor.ErrAborted:
		return string(monitor.ProcessAborted)
	default:
		return string(monitor.ProcessErrored)
	}
}
