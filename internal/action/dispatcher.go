package action

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/history"
	"github.com/sandpipe/sandpipe/internal/sandbox"
)

// Editor applies structured edits to workspace files. Implementations
// are expected to keep their own backup trail for undo.
type Editor interface {
	Apply(ctx context.Context, req EditRequest) (string, error)
}

// EditRequest is the argument contract of the structured-edit tool.
type EditRequest struct {
	Path    string `json:"path"`
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// bashToolArgs is the argument contract of the shell tool.
type bashToolArgs struct {
	Command string `json:"command"`
}

// deployCommand is the fixed command run by the deployment tool.
const deployCommand = "npx convex deploy"

// Dispatcher routes a committed action to the strategy for its type and
// drives the status machine around the strategy run.
type Dispatcher struct {
	store   *Store
	sandbox sandbox.Sandbox
	pending *PendingCalls
	editor  Editor
	history *history.Recorder
	alert   AlertFunc
	logger  *logger.Logger

	startDelay time.Duration

	buildMu     sync.Mutex
	buildOutput *BuildOutput
}

// NewDispatcher wires a dispatcher. editor and history may be nil; the
// corresponding paths then degrade to errors or skipped recording.
func NewDispatcher(store *Store, sb sandbox.Sandbox, pending *PendingCalls, editor Editor, hist *history.Recorder, alert AlertFunc, startDelay time.Duration, log *logger.Logger) *Dispatcher {
	if alert == nil {
		alert = func(Alert) {}
	}
	return &Dispatcher{
		store:      store,
		sandbox:    sb,
		pending:    pending,
		editor:     editor,
		history:    hist,
		alert:      alert,
		startDelay: startDelay,
		logger:     log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Pending exposes the tool-call table for awaiting responders.
func (d *Dispatcher) Pending() *PendingCalls {
	return d.pending
}

// LastBuild returns the most recent successful build output, if any.
func (d *Dispatcher) LastBuild() (BuildOutput, bool) {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()
	if d.buildOutput == nil {
		return BuildOutput{}, false
	}
	return *d.buildOutput, true
}

func (d *Dispatcher) setLastBuild(out BuildOutput) {
	d.buildMu.Lock()
	d.buildOutput = &out
	d.buildMu.Unlock()
}

// Dispatch executes one committed action on the lane. It owns the status
// transitions around the strategy: running before, and complete, aborted
// or failed after. Errors are returned so the lane logs them, but a
// requested abort never counts as a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, isStreaming bool) error {
	st, ok := d.store.Get(id)
	if !ok {
		d.logger.Warn("dispatch for unknown action ignored", zap.String("action_id", id))
		return nil
	}
	log := d.logger.WithActionID(id).WithFields(zap.String("type", string(st.Type)))

	d.store.UpdateState(id, Patch{Status: statusPtr(StatusRunning)})
	log.Debug("executing action")

	err := d.execute(st.AbortSignal(), &st)
	if err != nil {
		if st.AbortRequested() {
			d.store.UpdateState(id, Patch{Status: statusPtr(StatusAborted)})
			log.Info("action aborted")
			return nil
		}
		d.store.UpdateState(id, Patch{
			Status: statusPtr(StatusFailed),
			Error:  stringPtr(err.Error()),
		})
		log.WithError(err).Error("action failed")
		if cmdErr, ok := err.(*CommandError); ok {
			d.alert(Alert{
				Type:        "error",
				Title:       cmdErr.Header,
				Description: cmdErr.Command,
				Content:     cmdErr.Output,
			})
		}
		return err
	}

	switch {
	case st.Type == TypeStart:
		// Launch handlers report the terminal state out of band.
	case isStreaming:
		// More content is coming; stay running until the final commit.
	case st.AbortRequested():
		d.store.UpdateState(id, Patch{Status: statusPtr(StatusAborted)})
	default:
		d.store.UpdateState(id, Patch{Status: statusPtr(StatusComplete)})
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, st *State) error {
	switch st.Type {
	case TypeShell:
		return d.execShell(ctx, st)
	case TypeNpmInstall:
		return d.execNpmInstall(ctx, st)
	case TypeNpmExec:
		return d.execNpmExec(ctx, st)
	case TypeFile:
		return d.execFile(ctx, st)
	case TypeBuild:
		return d.execBuild(ctx, st)
	case TypeStart:
		return d.execStart(ctx, st)
	case TypeToolUse:
		return d.execToolUse(ctx, st)
	case TypeConvex:
		d.logger.WithActionID(st.ID).Info("skipping deprecated convex action")
		return nil
	default:
		return fmt.Errorf("no strategy for action type %q", st.Type)
	}
}

// runCommand executes command in the sandbox and classifies a nonzero
// exit as a CommandError under header.
func (d *Dispatcher) runCommand(ctx context.Context, sessionID, command, header string) (string, error) {
	if err := d.sandbox.Ready(ctx); err != nil {
		return "", fmt.Errorf("sandbox not ready: %w", err)
	}
	log := d.logger.WithActionID(sessionID)
	res, err := d.sandbox.ExecuteCommand(ctx, sessionID, command, func() {
		log.Info("command aborted", zap.String("command", command))
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", NewCommandError(header, command, res.ExitCode, res.Output)
	}
	return res.Output, nil
}

func (d *Dispatcher) execShell(ctx context.Context, st *State) error {
	if st.Type != TypeShell {
		return fmt.Errorf("action %s of type %s routed to shell strategy", st.ID, st.Type)
	}
	_, err := d.runCommand(ctx, st.ID, st.Content, HeaderShellFailed)
	return err
}

func (d *Dispatcher) execNpmInstall(ctx context.Context, st *State) error {
	if st.Type != TypeNpmInstall {
		return fmt.Errorf("action %s of type %s routed to npmInstall strategy", st.ID, st.Type)
	}
	rest := st.Content
	if strings.HasPrefix(rest, "npm install") {
		rest = rest[len("npm install"):]
	} else if strings.HasPrefix(rest, "npm i") {
		rest = rest[len("npm i"):]
	}
	if mentionsConvex(rest) {
		d.logger.WithActionID(st.ID).Info("skipping convex package install", zap.String("content", st.Content))
		return nil
	}
	command := "npm install " + rest
	_, err := d.runCommand(ctx, st.ID, command, HeaderShellFailed)
	return err
}

func (d *Dispatcher) execNpmExec(ctx context.Context, st *State) error {
	if st.Type != TypeNpmExec {
		return fmt.Errorf("action %s of type %s routed to npmExec strategy", st.ID, st.Type)
	}
	command := strings.TrimSpace(st.Content)
	if !strings.HasPrefix(command, "npm run ") && !strings.HasPrefix(command, "npx ") {
		return fmt.Errorf("npmExec content must start with \"npm run\" or \"npx\", got %q", command)
	}
	if strings.Contains(command, "npm run dev") || mentionsConvex(command) {
		d.logger.WithActionID(st.ID).Info("skipping long-running or platform command", zap.String("command", command))
		return nil
	}
	_, err := d.runCommand(ctx, st.ID, command, HeaderShellFailed)
	return err
}

// execFile writes the action content to its path under the workdir.
// Filesystem errors are logged rather than classified so a single bad
// write never aborts a stream of file actions.
func (d *Dispatcher) execFile(ctx context.Context, st *State) error {
	if st.Type != TypeFile {
		return fmt.Errorf("action %s of type %s routed to file strategy", st.ID, st.Type)
	}
	if st.Path == "" {
		return fmt.Errorf("file action %s has no path", st.ID)
	}
	log := d.logger.WithActionID(st.ID).WithFields(zap.String("path", st.Path))

	rel := relativizePath(st.Path, d.sandbox.Workdir())
	full := path.Join(d.sandbox.Workdir(), rel)

	if err := d.sandbox.Ready(ctx); err != nil {
		return fmt.Errorf("sandbox not ready: %w", err)
	}
	if dir := path.Dir(full); dir != "." && dir != "/" {
		if err := d.sandbox.Mkdir(ctx, dir, true); err != nil {
			log.WithError(err).Warn("failed to create parent directory")
		}
	}
	if err := d.sandbox.WriteFile(ctx, full, []byte(st.Content)); err != nil {
		log.WithError(err).Error("failed to write file")
		return nil
	}
	if d.history != nil {
		if err := d.history.Record(ctx, rel, st.Content); err != nil {
			log.WithError(err).Warn("failed to record file history")
		}
	}
	log.Debug("file written")
	return nil
}

func (d *Dispatcher) execBuild(ctx context.Context, st *State) error {
	if st.Type != TypeBuild {
		return fmt.Errorf("action %s of type %s routed to build strategy", st.ID, st.Type)
	}
	command := strings.TrimSpace(st.Content)
	if command == "" {
		command = "npm run build"
	}
	if err := d.sandbox.Ready(ctx); err != nil {
		return fmt.Errorf("sandbox not ready: %w", err)
	}
	proc, err := d.sandbox.Spawn(ctx, "sh", "-lc", command)
	if err != nil {
		return fmt.Errorf("failed to spawn build: %w", err)
	}
	raw, readErr := io.ReadAll(proc.Output)
	proc.Output.Close()
	if readErr != nil {
		d.logger.WithActionID(st.ID).WithError(readErr).Warn("truncated build output")
	}
	output := string(raw)

	var exitCode int
	select {
	case exitCode = <-proc.Exit:
	case <-ctx.Done():
		return ctx.Err()
	}
	if exitCode != 0 {
		return NewCommandError(HeaderBuildFailed, command, exitCode, output)
	}
	d.setLastBuild(BuildOutput{
		Path:     path.Join(d.sandbox.Workdir(), "dist"),
		ExitCode: exitCode,
		Output:   output,
	})
	return nil
}

// execStart launches the application in the background and hands control
// back to the lane after a fixed delay. The launch goroutine records the
// terminal state when the process settles.
func (d *Dispatcher) execStart(ctx context.Context, st *State) error {
	if st.Type != TypeStart {
		return fmt.Errorf("action %s of type %s routed to start strategy", st.ID, st.Type)
	}
	command := strings.TrimSpace(st.Content)
	if command == "" {
		command = "npm run dev"
	}
	if err := d.sandbox.Ready(ctx); err != nil {
		return fmt.Errorf("sandbox not ready: %w", err)
	}
	id := st.ID
	abortSignal := st.AbortSignal()

	go func() {
		_, err := d.runCommand(abortSignal, id, command, HeaderStartFailed)
		cur, ok := d.store.Get(id)
		if !ok || cur.Status.Terminal() {
			return
		}
		switch {
		case err == nil:
			d.store.UpdateState(id, Patch{Status: statusPtr(StatusComplete)})
		case cur.AbortRequested():
			d.store.UpdateState(id, Patch{Status: statusPtr(StatusAborted)})
		default:
			d.store.UpdateState(id, Patch{
				Status: statusPtr(StatusFailed),
				Error:  stringPtr(err.Error()),
			})
			d.logger.WithActionID(id).WithError(err).Error("application exited")
			if cmdErr, ok := err.(*CommandError); ok {
				d.alert(Alert{
					Type:        "error",
					Title:       cmdErr.Header,
					Description: cmdErr.Command,
					Content:     cmdErr.Output,
				})
			}
		}
	}()

	select {
	case <-time.After(d.startDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Dispatcher) execToolUse(ctx context.Context, st *State) error {
	if st.Type != TypeToolUse {
		return fmt.Errorf("action %s of type %s routed to toolUse strategy", st.ID, st.Type)
	}
	inv, err := ParseToolInvocation(st.Content)
	if err != nil {
		return err
	}
	log := d.logger.WithActionID(st.ID).WithCallID(inv.ToolCallID)

	switch inv.State {
	case ToolStateResult:
		// Result echoes from the stream carry nothing to execute.
		return nil
	case ToolStatePartialCall:
		return fmt.Errorf("tool call %s is still streaming", inv.ToolCallID)
	}

	result, toolErr := d.runTool(ctx, st, inv)
	if toolErr != nil {
		d.pending.Resolve(inv.ToolCallID, toolErrorMessage(toolErr))
		log.WithError(toolErr).Error("tool execution failed")
		return toolErr
	}
	d.pending.Resolve(inv.ToolCallID, result)
	log.Debug("tool call resolved", zap.String("tool", inv.ToolName))
	return nil
}

func (d *Dispatcher) runTool(ctx context.Context, st *State, inv *ToolInvocation) (string, error) {
	switch inv.ToolName {
	case "edit":
		return d.runEditTool(ctx, inv)
	case "bash":
		return d.runBashTool(ctx, st, inv)
	case "deploy":
		return d.runDeployTool(ctx, st)
	default:
		return "", fmt.Errorf("Unknown tool: %s", inv.ToolName)
	}
}

func (d *Dispatcher) runEditTool(ctx context.Context, inv *ToolInvocation) (string, error) {
	if d.editor == nil {
		return "", fmt.Errorf("no editor configured")
	}
	var req EditRequest
	if err := json.Unmarshal(inv.Args, &req); err != nil {
		return "", fmt.Errorf("invalid edit arguments: %w", err)
	}
	if req.Path == "" {
		return "", fmt.Errorf("edit arguments missing path")
	}
	return d.editor.Apply(ctx, req)
}

func (d *Dispatcher) runBashTool(ctx context.Context, st *State, inv *ToolInvocation) (string, error) {
	var args bashToolArgs
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("invalid bash arguments: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", fmt.Errorf("bash tool requires a non-empty command")
	}
	output, err := d.runCommand(ctx, st.ID, args.Command, HeaderShellFailed)
	if err != nil {
		if cmdErr, ok := err.(*CommandError); ok {
			return "", fmt.Errorf("command failed with exit code %d: %s", cmdErr.ExitCode, cmdErr.Output)
		}
		return "", err
	}
	return output, nil
}

func (d *Dispatcher) runDeployTool(ctx context.Context, st *State) (string, error) {
	output, err := d.runCommand(ctx, st.ID, deployCommand, HeaderShellFailed)
	if err != nil {
		return "", err
	}
	return CleanCommandOutput(deployCommand, output), nil
}

// relativizePath strips the workdir prefix or any leading slash so
// producer-supplied absolute paths land inside the workspace.
func relativizePath(p, workdir string) string {
	p = path.Clean(p)
	if workdir != "" && strings.HasPrefix(p, workdir+"/") {
		return strings.TrimPrefix(p, workdir+"/")
	}
	if p == workdir {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}
