// Package tools implements the tool executor: the only component that
// touches the filesystem, shell, and container runtime. Every tool call
// has already passed the orchestrator's trust gate; the executor enforces
// its own policy on top (workspace confinement, command allowlist,
// container flag restrictions).
package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CherryPod/sentinel-sub001/pkg/config"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/provenance"
	"github.com/CherryPod/sentinel-sub001/pkg/security"
)

// BlockedError is a policy violation: the call was refused, nothing ran.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %s blocked: %s", e.Tool, e.Reason)
}

// ExecError is a runtime failure: the call was allowed but failed.
type ExecError struct {
	Tool string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Description describes one tool for the planner and the MCP surface.
type Description struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Args        map[string]string `json:"args"`
}

const maxOutputBytes = 256 * 1024

// Executor runs tools inside the workspace directory.
type Executor struct {
	workspace string
	policy    *config.Policy
	prov      *provenance.Store
	cmdScan   *security.CommandPatternScanner
	logger    *slog.Logger

	// commandTimeout bounds shell and podman invocations.
	commandTimeout time.Duration
}

// NewExecutor builds the executor. workspace must be an absolute path.
func NewExecutor(workspace string, policy *config.Policy, prov *provenance.Store, cmdScan *security.CommandPatternScanner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workspace:      filepath.Clean(workspace),
		policy:         policy,
		prov:           prov,
		cmdScan:        cmdScan,
		logger:         logger.With("component", "tools"),
		commandTimeout: 60 * time.Second,
	}
}

// Descriptions lists the tool surface.
func (e *Executor) Descriptions() []Description {
	return []Description{
		{Name: "file_write", Description: "Write content to a file inside the workspace.", Args: map[string]string{"path": "workspace-relative path", "content": "file content"}},
		{Name: "file_read", Description: "Read a file inside the workspace.", Args: map[string]string{"path": "workspace-relative path"}},
		{Name: "mkdir", Description: "Create a directory inside the workspace.", Args: map[string]string{"path": "workspace-relative path"}},
		{Name: "shell", Description: "Run an allowlisted command inside the workspace.", Args: map[string]string{"command": "command line"}},
		{Name: "podman_build", Description: "Build a container image from a workspace context.", Args: map[string]string{"context": "workspace-relative build context", "tag": "image tag"}},
		{Name: "podman_run", Description: "Run a container from an image.", Args: map[string]string{"image": "image reference", "args": "extra arguments"}},
		{Name: "podman_stop", Description: "Stop a running container.", Args: map[string]string{"name": "container name"}},
	}
}

// Execute runs a tool with resolved args. parentIDs are the provenance ids
// of data substituted into the args; the result is created as their child
// so trust flows through tool output.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	e.logger.Info("tool call", "tool", tool, "args", argKeys(args))

	switch tool {
	case "file_write":
		return e.fileWrite(args, parentIDs)
	case "file_read":
		return e.fileRead(args)
	case "mkdir":
		return e.mkdir(args, parentIDs)
	case "shell":
		return e.shell(ctx, args, parentIDs)
	case "podman_build":
		return e.podmanBuild(ctx, args, parentIDs)
	case "podman_run":
		return e.podmanRun(ctx, args, parentIDs)
	case "podman_stop":
		return e.podmanStop(ctx, args, parentIDs)
	default:
		return nil, &BlockedError{Tool: tool, Reason: "unknown tool"}
	}
}

// resolvePath confines a path to the workspace. Absolute paths are allowed
// only when already inside the workspace; everything else is joined to it.
func (e *Executor) resolvePath(tool, path string) (string, error) {
	if path == "" {
		return "", &BlockedError{Tool: tool, Reason: "path is required"}
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.workspace, abs)
	}
	abs = filepath.Clean(abs)
	if abs != e.workspace && !strings.HasPrefix(abs, e.workspace+string(filepath.Separator)) {
		return "", &BlockedError{Tool: tool, Reason: fmt.Sprintf("path %q escapes the workspace", path)}
	}
	return abs, nil
}

func (e *Executor) fileWrite(args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	abs, err := e.resolvePath("file_write", args["path"])
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, &ExecError{Tool: "file_write", Err: err}
	}
	if err := os.WriteFile(abs, []byte(args["content"]), 0o640); err != nil {
		return nil, &ExecError{Tool: "file_write", Err: err}
	}

	out := e.prov.Create(
		fmt.Sprintf("wrote %d bytes to %s", len(args["content"]), args["path"]),
		models.SourceTool, models.TrustTrusted, "file_write", parentIDs...,
	)
	// The written file inherits the provenance of what was written into it,
	// so a later file_read cannot launder untrusted content.
	e.prov.RecordFileWrite(abs, out.ID)
	return out, nil
}

func (e *Executor) fileRead(args map[string]string) (*models.TaggedData, error) {
	abs, err := e.resolvePath("file_read", args["path"])
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ExecError{Tool: "file_read", Err: err}
	}

	// Workspace files are trusted by default; a recorded untrusted writer
	// downgrades the result through parent inheritance.
	var parents []string
	if writer := e.prov.FileWriter(abs); writer != "" {
		parents = []string{writer}
	}
	return e.prov.Create(string(data), models.SourceFile, models.TrustTrusted, "file_read", parents...), nil
}

func (e *Executor) mkdir(args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	abs, err := e.resolvePath("mkdir", args["path"])
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, &ExecError{Tool: "mkdir", Err: err}
	}
	return e.prov.Create("created directory "+args["path"], models.SourceTool, models.TrustTrusted, "mkdir", parentIDs...), nil
}

func (e *Executor) shell(ctx context.Context, args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	command := strings.TrimSpace(args["command"])
	if command == "" {
		return nil, &BlockedError{Tool: "shell", Reason: "command is required"}
	}

	if result := e.cmdScan.Scan(command); result.Found {
		names := make([]string, 0, len(result.Matches))
		for _, m := range result.Matches {
			names = append(names, m.PatternName)
		}
		return nil, &BlockedError{Tool: "shell", Reason: "dangerous command pattern: " + strings.Join(names, ", ")}
	}

	parts := strings.Fields(command)
	if !e.policy.ShellCommandAllowed(parts[0]) {
		return nil, &BlockedError{Tool: "shell", Reason: fmt.Sprintf("command %q is not on the allowlist", parts[0])}
	}
	// No shell interpretation: metacharacters reach the command as literal
	// arguments, so chaining and redirection cannot smuggle a second command.

	output, err := e.runCommand(ctx, "shell", parts[0], parts[1:]...)
	if err != nil {
		return nil, err
	}
	// Command output can contain anything the command read.
	return e.prov.Create(output, models.SourceTool, models.TrustUntrusted, "shell", parentIDs...), nil
}

// podman flags that grant host access.
var deniedPodmanFlags = []string{
	"--privileged", "--volume", "-v", "--mount",
	"--network=host", "--net=host", "--pid=host", "--ipc=host",
	"--cap-add", "--security-opt", "--device",
}

func checkPodmanArgs(tool string, tokens []string) error {
	for _, tok := range tokens {
		for _, denied := range deniedPodmanFlags {
			if tok == denied || strings.HasPrefix(tok, denied+"=") {
				return &BlockedError{Tool: tool, Reason: "denied flag " + denied}
			}
		}
	}
	return nil
}

func (e *Executor) podmanBuild(ctx context.Context, args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	buildContext, err := e.resolvePath("podman_build", args["context"])
	if err != nil {
		return nil, err
	}
	tag := args["tag"]
	if tag == "" {
		return nil, &BlockedError{Tool: "podman_build", Reason: "tag is required"}
	}
	output, err := e.runCommand(ctx, "podman_build", "podman", "build", "-t", tag, buildContext)
	if err != nil {
		return nil, err
	}
	return e.prov.Create(output, models.SourceTool, models.TrustUntrusted, "podman_build", parentIDs...), nil
}

func (e *Executor) podmanRun(ctx context.Context, args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	image := args["image"]
	if image == "" {
		return nil, &BlockedError{Tool: "podman_run", Reason: "image is required"}
	}
	extra := strings.Fields(args["args"])
	if err := checkPodmanArgs("podman_run", extra); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{"run", "--rm", "--network=none"}, extra...)
	cmdArgs = append(cmdArgs, image)
	output, err := e.runCommand(ctx, "podman_run", "podman", cmdArgs...)
	if err != nil {
		return nil, err
	}
	return e.prov.Create(output, models.SourceTool, models.TrustUntrusted, "podman_run", parentIDs...), nil
}

func (e *Executor) podmanStop(ctx context.Context, args map[string]string, parentIDs []string) (*models.TaggedData, error) {
	name := args["name"]
	if name == "" {
		return nil, &BlockedError{Tool: "podman_stop", Reason: "name is required"}
	}
	output, err := e.runCommand(ctx, "podman_stop", "podman", "stop", name)
	if err != nil {
		return nil, err
	}
	return e.prov.Create(output, models.SourceTool, models.TrustTrusted, "podman_stop", parentIDs...), nil
}

func (e *Executor) runCommand(ctx context.Context, tool, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.workspace
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n[output truncated]"
	}
	if err != nil {
		e.logger.Warn("command failed", "tool", tool, "command", name, "error", err)
		return "", &ExecError{Tool: tool, Err: fmt.Errorf("%w: %s", err, firstLine(output))}
	}
	return output, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func argKeys(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	return keys
}
