// Package docker executes container goal jobs against a local Docker
// daemon via the docker CLI. One goal invocation becomes one private
// network plus one container per spec entry, all sharing a staged copy
// of the project directory.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"driveline/internal/container"
	"driveline/internal/dispatch"
)

// Runner executes one goal as a set of cooperating Docker containers.
// The zero value is not usable; construct with New.
type Runner struct {
	Spec     container.JobSpec
	Callback container.Callback

	// NamePrefix and NameSuffix frame every container name so leftover
	// containers are attributable to this runner.
	NamePrefix string
	NameSuffix string

	// StagingRoot is where per-invocation project copies live.
	// Defaults to the OS temp directory.
	StagingRoot string

	Logger *log.Logger

	// runDocker blocks until the docker command exits and returns its
	// exit code. Tests replace it to simulate the container runtime.
	runDocker func(ctx context.Context, args ...string) (int, error)
}

func New(spec container.JobSpec) *Runner {
	r := &Runner{
		Spec:       spec,
		NamePrefix: "dl-",
	}
	r.runDocker = r.execDocker
	return r
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Runner) execDocker(ctx context.Context, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

// Execute runs the goal job:
//
//  1. resolve the container spec (registration merged with callback)
//  2. duplicate the project directory into a private staging copy
//  3. create an isolated network for this invocation
//  4. launch every container concurrently on that network
//  5. wait for the main (first declared) container only
//  6. kill remaining sidecars, remove the network
//  7. copy the staging directory back over the project and delete it
//
// Sidecar exit codes never affect the result. Failure to propagate
// staged changes back is fatal even when the containers succeeded,
// because losing produced artifacts is as serious as a failed build.
func (r *Runner) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	spec, err := container.Resolve(ctx, r.Spec, r.Callback, inv)
	if err != nil {
		return dispatch.Result{Code: 1, Message: err.Error()}, nil
	}

	staging, err := r.stageProject(inv.ProjectDir)
	if err != nil {
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("staging project directory: %v", err)}, nil
	}

	network := r.NamePrefix + "net-" + shortID()
	if code, err := r.runDocker(ctx, "network", "create", network); err != nil || code != 0 {
		if removeErr := os.RemoveAll(staging); removeErr != nil {
			r.logger().Printf("docker: cleanup of staging dir after network failure: %v", removeErr)
		}
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("creating network %s: exit %d, %v", network, code, err)}, nil
	}

	var failures []string
	mainCode, launchFailure := r.launch(ctx, spec, inv, staging, network)
	if launchFailure != "" {
		failures = append(failures, launchFailure)
	} else if mainCode != 0 {
		failures = append(failures, fmt.Sprintf("main container %s exited with code %d", spec.Containers[0].Name, mainCode))
	}

	if code, err := r.runDocker(ctx, "network", "rm", network); err != nil || code != 0 {
		// Best effort: a leaked network never fails an otherwise
		// successful job.
		r.logger().Printf("docker: removing network %s: exit %d, %v", network, code, err)
	}

	if err := r.unstageProject(staging, inv.ProjectDir); err != nil {
		failures = append(failures, fmt.Sprintf("propagating staged project changes: %v", err))
	}

	if len(failures) > 0 {
		return dispatch.Result{Code: 1, Message: strings.Join(failures, "; ")}, nil
	}
	return dispatch.Result{Code: 0, Message: fmt.Sprintf("%d container(s) completed", len(spec.Containers))}, nil
}

// launch starts every declared container concurrently and waits on the
// main container only. It returns the main container's exit code, or a
// failure message if any container could not even be started.
func (r *Runner) launch(ctx context.Context, spec container.JobSpec, inv dispatch.Invocation, staging, network string) (int, string) {
	suffix := r.NameSuffix
	if suffix == "" {
		suffix = "-" + shortID()
	}

	type containerRun struct {
		name string
		done chan struct{}
		code int
		err  error
	}

	var started []*containerRun
	killStarted := func() {
		for _, run := range started {
			if code, err := r.runDocker(context.WithoutCancel(ctx), "kill", run.name); err != nil || code != 0 {
				r.logger().Printf("docker: killing container %s: exit %d, %v", run.name, code, err)
			}
		}
	}

	var mainRun *containerRun
	for i, c := range spec.Containers {
		name := r.NamePrefix + c.Name + suffix
		args, err := r.containerArgs(c, spec, inv, staging, network, name, i == 0)
		if err != nil {
			// Argument resolution failed: abort launching further
			// containers and tear down whatever already started. The
			// main container is not waited on in this path.
			killStarted()
			return 0, fmt.Sprintf("starting container %s: %v", c.Name, err)
		}
		run := &containerRun{name: name, done: make(chan struct{})}
		go func(args []string) {
			defer close(run.done)
			run.code, run.err = r.runDocker(ctx, args...)
		}(args)
		started = append(started, run)
		if i == 0 {
			mainRun = run
		}
	}

	<-mainRun.done
	if mainRun.err != nil {
		killStarted()
		return 0, fmt.Sprintf("running main container %s: %v", mainRun.name, mainRun.err)
	}

	// Sidecars never outlive the main container and their exit codes
	// never affect the job result.
	var wg sync.WaitGroup
	for _, run := range started[1:] {
		select {
		case <-run.done:
			continue
		default:
		}
		if code, err := r.runDocker(context.WithoutCancel(ctx), "kill", run.name); err != nil || code != 0 {
			r.logger().Printf("docker: killing sidecar %s: exit %d, %v", run.name, code, err)
		}
		wg.Add(1)
		go func(run *containerRun) {
			defer wg.Done()
			<-run.done
		}(run)
	}
	wg.Wait()

	return mainRun.code, ""
}

// containerArgs builds the docker run invocation for one container.
// Only the main container has its working directory forced to the
// project home.
func (r *Runner) containerArgs(c container.Container, spec container.JobSpec, inv dispatch.Invocation, staging, network, name string, main bool) ([]string, error) {
	args := []string{
		"run", "-t", "--rm",
		"--name=" + name,
		"--volume=" + staging + ":" + container.ProjectHome,
		"--network=" + network,
		"--network-alias=" + c.Name,
	}
	if main {
		args = append(args, "--workdir="+container.ProjectHome)
	} else if c.WorkingDir != "" {
		args = append(args, "--workdir="+c.WorkingDir)
	}
	if len(c.Command) > 0 {
		args = append(args, "--entrypoint="+c.Command[0])
	}
	env := inv.Env()
	names := make([]string, 0, len(env))
	for n := range env {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		args = append(args, "--env="+n+"="+env[n])
	}
	for _, e := range c.Env {
		args = append(args, "--env="+e.Name+"="+e.Value)
	}
	for _, p := range c.Ports {
		args = append(args, "--publish="+p)
	}
	declared := make(map[string]string, len(spec.Volumes))
	for _, v := range spec.Volumes {
		declared[v.Name] = v.HostPath
	}
	for _, m := range c.VolumeMounts {
		host, ok := declared[m.Name]
		if !ok {
			return nil, fmt.Errorf("volume mount %q references undeclared volume", m.Name)
		}
		args = append(args, "--volume="+host+":"+m.MountPath)
	}
	args = append(args, c.Image)
	if len(c.Command) > 1 {
		args = append(args, c.Command[1:]...)
	}
	args = append(args, c.Args...)
	return args, nil
}

// stageProject duplicates the project directory so containers never
// operate on the live working tree. The copy is all-or-nothing: a
// partial copy is removed and no container is created.
func (r *Runner) stageProject(projectDir string) (string, error) {
	root := r.StagingRoot
	if root == "" {
		root = os.TempDir()
	}
	staging, err := os.MkdirTemp(root, "dl-staging-")
	if err != nil {
		return "", err
	}
	if err := copyTree(projectDir, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	return staging, nil
}

// unstageProject copies the staging directory's contents back over the
// project directory, propagating creates, edits, and deletes made by
// the containers, then removes the staging directory.
func (r *Runner) unstageProject(staging, projectDir string) error {
	if err := syncTree(staging, projectDir); err != nil {
		return err
	}
	return os.RemoveAll(staging)
}

func shortID() string {
	return uuid.New().String()[:8]
}

// copyTree recursively copies src into dst (dst must exist).
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			// Re-syncing over an existing link must replace it, not
			// trip over it.
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return err
			}
			return os.Symlink(dest, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}

// syncTree makes dst mirror src: files present in src are copied over,
// entries present only in dst are deleted.
func syncTree(src, dst string) error {
	if err := copyTree(src, dst); err != nil {
		return err
	}
	var stale []string
	err := filepath.WalkDir(dst, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if _, err := os.Lstat(filepath.Join(src, rel)); os.IsNotExist(err) {
			stale = append(stale, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}
