// Command monitor is the VibeTea Monitor: it watches Claude Code's
// on-disk session artifacts, privacy-filters them, and ships signed,
// batched events to a remote ingestion endpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vibetea/monitor/internal/config"
	"github.com/vibetea/monitor/internal/cryptoutil"
	"github.com/vibetea/monitor/internal/privacy"
	"github.com/vibetea/monitor/internal/sender"
	"github.com/vibetea/monitor/internal/trackers"
	"github.com/vibetea/monitor/internal/watch"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "run":
		err = runRun(os.Args[2:])
	case "export-key":
		err = runExportKey(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: monitor <init|run|export-key> [flags]")
}

// cliError pairs an error with its process exit code: 1 for
// configuration/usage problems and other expected, already-logged
// non-runtime outcomes (e.g. a shutdown flush timeout), 2 for
// runtime/I-O failures. A subcommand returning a plain (non-cliError)
// error gets exit 2, the runtime default.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func configErr(err error) error  { return &cliError{code: 1, err: err} }
func runtimeErr(err error) error { return &cliError{code: 2, err: err} }

func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 2
}

// --- init ---

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing key without prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(false)
	if err != nil {
		return configErr(err)
	}

	if !*force {
		if _, statErr := os.Stat(filepath.Join(cfg.KeyPath, "key.priv")); statErr == nil {
			if !confirmOverwrite() {
				fmt.Fprintln(os.Stderr, "aborted: key already exists")
				return nil
			}
			*force = true
		}
	}

	key, err := cryptoutil.Generate()
	if err != nil {
		return runtimeErr(fmt.Errorf("generating key: %w", err))
	}

	if err := key.Save(cfg.KeyPath, *force); err != nil {
		return runtimeErr(fmt.Errorf("saving key: %w", err))
	}

	fmt.Printf("Public key: %s\n", key.PublicKeyBase64())
	fmt.Printf("Fingerprint: %s\n", key.Fingerprint())
	fmt.Println("Register this public key with your VibeTea server before starting `monitor run`.")
	return nil
}

func confirmOverwrite() bool {
	fmt.Fprint(os.Stderr, "A key already exists. Overwrite? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

// --- export-key ---

func runExportKey(args []string) error {
	fs := flag.NewFlagSet("export-key", flag.ExitOnError)
	path := fs.String("path", "", "key directory (defaults to VIBETEA_KEY_PATH / ~/.vibetea)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(false)
	if err != nil {
		return configErr(err)
	}

	dir := cfg.KeyPath
	if *path != "" {
		dir = *path
	}

	key, err := cryptoutil.Load(dir)
	if err != nil {
		// Missing or malformed key directory is a configuration problem,
		// not a runtime failure: the operator needs to run `init` first.
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, cryptoutil.ErrKeyFormat) {
			return configErr(err)
		}
		return runtimeErr(err)
	}

	if err := key.ExportKey(os.Stdout); err != nil {
		return runtimeErr(err)
	}
	return nil
}

// --- run ---

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(true)
	if err != nil {
		return configErr(err)
	}

	key, source, err := cryptoutil.LoadWithFallback(cfg.KeyPath, "VIBETEA_PRIVATE_KEY")
	if err != nil {
		// As in export-key: a missing or malformed key is a configuration
		// problem; any other failure reading it is a runtime error.
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, cryptoutil.ErrKeyFormat) {
			return configErr(err)
		}
		return runtimeErr(err)
	}
	log.Printf("[monitor] loaded signing key from %s, fingerprint=%s", source, key.Fingerprint())

	sink := trackers.NewSharedSink(4 * cfg.BufferSize)
	ended := trackers.NewEndedSessions()

	fileHistory, err := trackers.NewFileHistoryTracker(cfg.SourceID)
	if err != nil {
		return runtimeErr(fmt.Errorf("starting file-history tracker: %w", err))
	}

	sessionTracker := trackers.NewSessionTracker(cfg.SourceID, ended, fileHistory.TrackFile)
	skillTracker := trackers.NewSkillTracker(cfg.SourceID)
	statsTracker := trackers.NewStatsTracker(cfg.SourceID, filepath.Join(cfg.ClaudeDir, "stats-cache.json"))
	todoTracker := trackers.NewTodoTracker(cfg.SourceID, ended)
	projectTracker := trackers.NewProjectTracker(cfg.SourceID)

	watchers, err := startWatchers(cfg)
	if err != nil {
		return runtimeErr(fmt.Errorf("starting filesystem watchers: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	startTracker := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[monitor] %s stopped after a panic: %v", name, r)
				}
			}()
			fn()
		}()
	}

	startTracker("session", func() { sessionTracker.Run(watchers.session, sink) })
	startTracker("skill", func() { skillTracker.Run(watchers.skill, sink) })
	startTracker("stats", func() { statsTracker.Run(watchers.stats, sink) })
	startTracker("todo", func() { todoTracker.Run(watchers.todo, sink) })
	startTracker("project", func() { projectTracker.Run(watchers.project, sink) })
	startTracker("filehistory", func() { fileHistory.Run(sink) })

	snd := sender.New(sender.Config{
		ServerURL:  cfg.ServerURL,
		SourceID:   cfg.SourceID,
		BufferSize: cfg.BufferSize,
	}, key)

	pl := privacy.Config{Allowlist: cfg.BasenameAllowlist}

	startTracker("queue-consumer", func() {
		for e := range sink.Out() {
			e.Payload = pl.Apply(e.Payload)
			snd.Queue(e)
		}
	})

	startTracker("flush-loop", func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var reportedEvictions int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := snd.Flush(ctx); err != nil {
					log.Printf("[monitor] flush error: %v", err)
				}
				if n := sink.Evicted() + snd.Evicted(); n > reportedEvictions {
					log.Printf("[monitor] %d event(s) evicted under back-pressure since startup", n)
					reportedEvictions = n
				}
			}
		}
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[monitor] shutting down...")

	// A second signal forces immediate exit, skipping the bounded flush.
	go func() {
		<-sigCh
		log.Println("[monitor] second signal, exiting immediately")
		os.Exit(1)
	}()

	cancel()
	watchers.stopAll()
	fileHistory.Stop()

	remaining := snd.Shutdown(5 * time.Second)
	if remaining > 0 {
		// Exit 1, not 2: outstanding events at shutdown is an expected
		// outcome rather than a runtime failure. main prints the error to
		// stderr once.
		return &cliError{code: 1, err: fmt.Errorf("flush timed out with %d events unsent", remaining)}
	}
	return nil
}

// watcherSet bundles the per-tracker filesystem watchers started by run.
type watcherSet struct {
	session *watch.Watcher
	skill   *watch.Watcher
	stats   *watch.Watcher
	todo    *watch.Watcher
	project *watch.Watcher
}

func (w *watcherSet) stopAll() {
	w.session.Stop()
	w.skill.Stop()
	w.stats.Stop()
	w.todo.Stop()
	w.project.Stop()
}

func startWatchers(cfg *config.Config) (*watcherSet, error) {
	projectsRoot := filepath.Join(cfg.ClaudeDir, "projects")
	historyFile := filepath.Join(cfg.ClaudeDir, "history.jsonl")
	statsFile := filepath.Join(cfg.ClaudeDir, "stats-cache.json")
	todosRoot := filepath.Join(cfg.ClaudeDir, "todos")

	session, err := watch.New(projectsRoot, true, trackers.SessionFilter, 0, watch.ModeTail, "[watch:session]")
	if err != nil {
		return nil, err
	}
	skill, err := watch.New(filepath.Dir(historyFile), false, trackers.SkillFilter, 0, watch.ModeTail, "[watch:skill]")
	if err != nil {
		return nil, err
	}
	stats, err := watch.New(filepath.Dir(statsFile), false, trackers.StatsFilter, 200*time.Millisecond, watch.ModeRewrite, "[watch:stats]")
	if err != nil {
		return nil, err
	}
	todo, err := watch.New(todosRoot, false, trackers.TodoFilter, 100*time.Millisecond, watch.ModeRewrite, "[watch:todo]")
	if err != nil {
		return nil, err
	}
	project, err := watch.New(projectsRoot, true, trackers.SessionFilter, 0, watch.ModeTail, "[watch:project]")
	if err != nil {
		return nil, err
	}

	go session.Run()
	go skill.Run()
	go stats.Run()
	go todo.Run()
	go project.Run()

	return &watcherSet{session: session, skill: skill, stats: stats, todo: todo, project: project}, nil
}
