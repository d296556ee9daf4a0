// Package agent implements the reference executor agent.
// It serves framed commands on a socket listener: generate commands are
// rendered into artifact files and reported back one signal at a time,
// apply/produce commands step through sequence items, and cancel commands
// stop work in progress.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultBaseURL      = "http://localhost:8090/artifacts"
	defaultRenderDelay  = 200 * time.Millisecond
	defaultProduceDelay = 500 * time.Millisecond
)

// FailKey is the override key that makes a produce step report failure.
const FailKey = "fail"

// Options configures an Agent.
type Options struct {
	// OutputDir receives rendered artifacts. Empty disables writing files.
	OutputDir string
	// BaseURL prefixes artifact locators.
	BaseURL      string
	RenderDelay  time.Duration
	ProduceDelay time.Duration
}

type task struct {
	cancel context.CancelFunc
}

// Agent accepts command connections and executes them.
type Agent struct {
	listener net.Listener
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*task
	applied map[string]model.MergedConfig

	wg sync.WaitGroup
}

// New creates an agent serving on listener. Zero delays fall back to
// defaults; negative delays mean no delay.
func New(listener net.Listener, opts Options, logger *slog.Logger) *Agent {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.RenderDelay == 0 {
		opts.RenderDelay = defaultRenderDelay
	}
	if opts.ProduceDelay == 0 {
		opts.ProduceDelay = defaultProduceDelay
	}
	return &Agent{
		listener: listener,
		opts:     opts,
		logger:   logger,
		running:  make(map[string]*task),
		applied:  make(map[string]model.MergedConfig),
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// In-flight work is cancelled and waited for before Serve returns.
func (a *Agent) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.handleConnection(ctx, conn) })
	}
}

// handleConnection processes a single command on conn.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var cmd executor.Command
	if err := executor.ReadMessage(conn, &cmd); err != nil {
		a.logger.Warn("read command", "error", err)
		a.write(conn, executor.Message{Type: executor.MsgTypeAck, Error: fmt.Sprintf("read command: %v", err)})
		return
	}
	a.logger.Debug("command received", "kind", cmd.Kind, "job_id", cmd.JobID, "sequence_id", cmd.SequenceID)

	if err := a.check(cmd); err != nil {
		a.write(conn, executor.Message{Type: executor.MsgTypeAck, Error: err.Error()})
		return
	}
	if !a.write(conn, executor.Message{Type: executor.MsgTypeAck}) {
		return
	}

	switch cmd.Kind {
	case executor.CommandGenerate:
		a.generate(ctx, conn, cmd)
	case executor.CommandApply:
		a.mu.Lock()
		a.applied[cmd.SequenceID] = *cmd.Item
		a.mu.Unlock()
	case executor.CommandProduce:
		a.produce(ctx, conn, cmd)
	case executor.CommandCancel:
		a.cancel(cmd)
	}

	a.write(conn, executor.Message{Type: executor.MsgTypeDone})
}

// check rejects commands the agent cannot run before they are acked.
func (a *Agent) check(cmd executor.Command) error {
	switch cmd.Kind {
	case executor.CommandGenerate:
		if cmd.JobID == "" {
			return errors.New("generate command missing job id")
		}
		if cmd.ArtifactCount <= 0 {
			return fmt.Errorf("generate command has artifact count %d", cmd.ArtifactCount)
		}
		if a.opts.OutputDir != "" {
			if err := validatePath(a.opts.OutputDir, cmd.JobID); err != nil {
				return err
			}
		}
	case executor.CommandApply:
		if cmd.Item == nil {
			return errors.New("apply command missing item")
		}
	case executor.CommandProduce, executor.CommandCancel:
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
	return nil
}

// generate renders the job's artifacts one at a time, reporting each as it
// lands. A cancelled job stops without further signals.
func (a *Agent) generate(ctx context.Context, conn net.Conn, cmd executor.Command) {
	ctx, stop := a.track(ctx, "job:"+cmd.JobID)
	defer stop()

	for i := range cmd.ArtifactCount {
		if !sleep(ctx, a.opts.RenderDelay) {
			a.logger.Info("generation cancelled", "job_id", cmd.JobID, "rendered", i)
			return
		}
		if err := a.render(cmd, i); err != nil {
			a.logger.Error("render artifact", "job_id", cmd.JobID, "index", i, "error", err)
			a.write(conn, executor.Message{
				Type:    executor.MsgTypeFailure,
				Failure: &model.FailureSignal{JobID: cmd.JobID, Reason: err.Error()},
			})
			return
		}
		sig := model.ArtifactSignal{
			JobID:   cmd.JobID,
			Index:   i,
			Locator: a.locator(cmd.JobID, i),
			Label:   fmt.Sprintf("artifact %d of %d", i+1, cmd.ArtifactCount),
		}
		if !a.write(conn, executor.Message{Type: executor.MsgTypeArtifact, Artifact: &sig}) {
			return
		}
	}
	a.logger.Info("generation finished", "job_id", cmd.JobID, "artifacts", cmd.ArtifactCount)
}

// produce runs the production step for the applied item and reports the outcome.
func (a *Agent) produce(ctx context.Context, conn net.Conn, cmd executor.Command) {
	ctx, stop := a.track(ctx, "sequence:"+cmd.SequenceID)
	defer stop()

	item := cmd.Item
	if item == nil {
		a.mu.Lock()
		if applied, ok := a.applied[cmd.SequenceID]; ok {
			item = &applied
		}
		a.mu.Unlock()
	}

	if !sleep(ctx, a.opts.ProduceDelay) {
		a.logger.Info("production cancelled", "sequence_id", cmd.SequenceID, "item_index", cmd.ItemIndex)
		return
	}

	index := cmd.ItemIndex
	outcome := model.StepOutcome{ItemIndex: &index, Result: model.OutcomeSuccess}
	switch {
	case item == nil:
		outcome.Result = model.OutcomeFailure
		outcome.Message = "no configuration applied"
	case shouldFail(item.Overrides):
		outcome.Result = model.OutcomeFailure
		outcome.Message = fmt.Sprintf("item %s failed on request", item.ItemID)
	}
	a.mu.Lock()
	delete(a.applied, cmd.SequenceID)
	a.mu.Unlock()
	a.write(conn, executor.Message{Type: executor.MsgTypeOutcome, Outcome: &outcome})
}

func (a *Agent) cancel(cmd executor.Command) {
	var key string
	switch {
	case cmd.JobID != "":
		key = "job:" + cmd.JobID
	case cmd.SequenceID != "":
		key = "sequence:" + cmd.SequenceID
		a.mu.Lock()
		delete(a.applied, cmd.SequenceID)
		a.mu.Unlock()
	default:
		return
	}

	a.mu.Lock()
	t, ok := a.running[key]
	a.mu.Unlock()
	if ok {
		t.cancel()
		a.logger.Info("work cancelled", "key", key)
	}
}

// track registers a cancellable context for key until the returned stop is called.
func (a *Agent) track(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}
	a.mu.Lock()
	if prev, ok := a.running[key]; ok {
		prev.cancel()
	}
	a.running[key] = t
	a.mu.Unlock()

	return ctx, func() {
		cancel()
		a.mu.Lock()
		// A newer command may have replaced this one.
		if a.running[key] == t {
			delete(a.running, key)
		}
		a.mu.Unlock()
	}
}

// render writes artifact i of the job under OutputDir.
func (a *Agent) render(cmd executor.Command, i int) error {
	if a.opts.OutputDir == "" {
		return nil
	}
	dir := filepath.Join(a.opts.OutputDir, cmd.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	body, err := json.MarshalIndent(struct {
		JobID  string          `json:"job_id"`
		Index  int             `json:"index"`
		Config json.RawMessage `json:"config,omitempty"`
	}{cmd.JobID, i, cmd.Config}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, artifactName(i)), body, 0o644)
}

func (a *Agent) locator(jobID string, i int) string {
	return a.opts.BaseURL + "/" + jobID + "/" + artifactName(i)
}

// write sends msg on conn and reports whether it succeeded.
func (a *Agent) write(conn net.Conn, msg executor.Message) bool {
	if err := executor.WriteMessage(conn, &msg); err != nil {
		a.logger.Warn("write message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func artifactName(i int) string {
	return strconv.Itoa(i) + ".json"
}

func shouldFail(overrides map[string]any) bool {
	v, ok := overrides[FailKey].(bool)
	return ok && v
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes output directory", relPath)
	}
	return nil
}
