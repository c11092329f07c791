// Package executor is the Executor Set (spec §4.2): one implementation
// per supported scripting language, each running a script body in a
// subprocess with a timeout and returning its captured output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"podrunner/internal/digest"
)

// Result is the outcome of one script run.
type Result struct {
	Stdout  string
	Stderr  string
	Retcode int
}

// JobInfo carries the metadata an executor exposes to the script
// environment (spec §4.2: JOB_NAME, JOB_TYPE, JOB_DIGEST_ID,
// JOB_DIGEST_TAGS).
type JobInfo struct {
	Name      string
	Type      string
	Timeout   time.Duration
	DigestID  string
	TagValues []any // raw tag values, normalized via digest.ExtractTagName
}

func (j JobInfo) env() []string {
	tagNames := make([]string, 0, len(j.TagValues))
	for _, t := range j.TagValues {
		if name := digest.ExtractTagName(t); name != "" {
			tagNames = append(tagNames, name)
		}
	}
	return []string{
		"JOB_NAME=" + j.Name,
		"JOB_TYPE=" + j.Type,
		"JOB_DIGEST_ID=" + j.DigestID,
		"JOB_DIGEST_TAGS=" + strings.Join(tagNames, ","),
	}
}

// Executor runs one script body and returns its result. Run has no
// error return: failure (missing interpreter, I/O error, timeout, or a
// caller context that is already done) is reported as
// Result{Retcode: -1} per spec §4.2.
type Executor interface {
	Run(ctx context.Context, scriptBody, inputPath string, job JobInfo) Result
}

// timeoutResult builds the Result a caller sees when the subprocess was
// killed for exceeding job.Timeout.
func timeoutResult(timeout time.Duration) Result {
	return Result{Retcode: -1, Stderr: fmt.Sprintf("script timed out after %s", timeout)}
}

func failResult(err error) Result {
	return Result{Retcode: -1, Stderr: err.Error()}
}

// writeScript writes body to a fresh temp file with the given suffix
// and returns its path. The caller is responsible for removing it on
// every exit path, matching spec §4.2's "deletes it on every exit path"
// requirement.
func writeScript(body, suffix string) (string, error) {
	f, err := os.CreateTemp("", "podrunner-script-*"+suffix)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// runCommand executes args with job's environment appended to the
// parent's, enforcing job.Timeout (falling back to 300s if unset), and
// captures stdout/stderr into a Result. It never returns a Go error:
// every failure mode maps to Result.Retcode == -1.
func runCommand(ctx context.Context, args []string, job JobInfo) Result {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), job.env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return timeoutResult(timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), Retcode: exitErr.ExitCode()}
		}
		return failResult(err)
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Retcode: 0}
}

// ShellExecutor runs scripts with bash, resolved on PATH. The original
// bash_executor.py always execs bash regardless of whether the job's
// configured language is "bash" or "sh"; /bin/sh is dash on Debian/Ubuntu
// hosts and would silently reject bash-only syntax (arrays, [[ ]],
// process substitution, local) a job is entitled to rely on.
type ShellExecutor struct{}

func (ShellExecutor) Run(ctx context.Context, scriptBody, inputPath string, job JobInfo) Result {
	path, err := writeScript(scriptBody, ".sh")
	if err != nil {
		return failResult(fmt.Errorf("write shell script: %w", err))
	}
	defer os.Remove(path)

	args := []string{"bash", path}
	if inputPath != "" {
		args = append(args, inputPath)
	}
	return runCommand(ctx, args, job)
}

// PythonExecutor runs scripts with the python3 interpreter found on
// PATH. Unlike the original implementation's frozen-binary Python
// discovery, this agent always runs from a normal Go binary, so PATH
// lookup (handled by exec.CommandContext) is sufficient.
type PythonExecutor struct{}

func (PythonExecutor) Run(ctx context.Context, scriptBody, inputPath string, job JobInfo) Result {
	path, err := writeScript(scriptBody, ".py")
	if err != nil {
		return failResult(fmt.Errorf("write python script: %w", err))
	}
	defer os.Remove(path)

	args := []string{"python3", path}
	if inputPath != "" {
		args = append(args, inputPath)
	}
	return runCommand(ctx, args, job)
}

// HostShellExecutor runs scripts with the host's native shell: pwsh on
// every platform this agent targets, with flags that suppress profile
// loading and interactive prompts (spec §4.2: "flags that prevent
// profile/init-script loading where applicable").
type HostShellExecutor struct{}

func (HostShellExecutor) Run(ctx context.Context, scriptBody, inputPath string, job JobInfo) Result {
	path, err := writeScript(scriptBody, ".ps1")
	if err != nil {
		return failResult(fmt.Errorf("write host-shell script: %w", err))
	}
	defer os.Remove(path)

	args := []string{"pwsh", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", path}
	if inputPath != "" {
		args = append(args, inputPath)
	}
	return runCommand(ctx, args, job)
}

// Factories maps a job's configured language to an Executor, the same
// string-keyed factory-map pattern the teacher uses to select an
// ingester implementation. An unknown language has no entry; callers
// must check ok and skip the job with a logged error (spec §4.2:
// "unknown language ⇒ the job is skipped with a logged error").
var Factories = map[string]Executor{
	"bash":   ShellExecutor{},
	"sh":     ShellExecutor{},
	"python": PythonExecutor{},
	"pwsh":   HostShellExecutor{},
}
