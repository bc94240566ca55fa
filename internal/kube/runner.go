// Package kube executes container goal jobs as Kubernetes pods via
// kubectl. Unlike the Docker strategy it never cleans up inline: the
// process running a goal may itself be a pod created for exactly that
// goal, so expired pods are reaped by a background sweep instead.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"driveline/internal/container"
	"driveline/internal/dispatch"
)

const (
	managedByLabel      = "app.kubernetes.io/managed-by"
	managedByValue      = "driveline"
	goalSetLabel        = "driveline.dev/goal-set"
	defaultPollInterval = 3 * time.Second
)

// Runner executes one goal as a single pod whose first container is
// the main container and the rest are sidecars.
type Runner struct {
	Spec     container.JobSpec
	Callback container.Callback

	Namespace    string
	NamePrefix   string
	PollInterval time.Duration

	Logger *log.Logger

	// runKubectl executes kubectl with stdin and returns its stdout and
	// exit code. Tests replace it to simulate the cluster.
	runKubectl func(ctx context.Context, stdin string, args ...string) (string, int, error)

	// tailLogs streams the main container's log until the context ends.
	// Started at most once, after the container reports running.
	tailLogs func(ctx context.Context, pod, containerName string)
}

func New(spec container.JobSpec, namespace string) *Runner {
	r := &Runner{
		Spec:       spec,
		Namespace:  namespace,
		NamePrefix: "dl-",
	}
	r.runKubectl = r.execKubectl
	r.tailLogs = r.execLogTail
	return r
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Runner) execKubectl(ctx context.Context, stdin string, args ...string) (string, int, error) {
	if r.Namespace != "" {
		args = append([]string{"--namespace", r.Namespace}, args...)
	}
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return out.String(), 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return out.String(), exitError.ExitCode(), nil
	}
	return out.String(), -1, err
}

func (r *Runner) execLogTail(ctx context.Context, pod, containerName string) {
	args := []string{"logs", "--follow", pod, "--container", containerName}
	if r.Namespace != "" {
		args = append([]string{"--namespace", r.Namespace}, args...)
	}
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		r.logger().Printf("kube: log tail for %s/%s: %v", pod, containerName, err)
	}
}

// Execute applies a pod manifest for the goal and watches container
// statuses until the main container terminates. The pod is left in
// place for the TTL sweep.
func (r *Runner) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	spec, err := container.Resolve(ctx, r.Spec, r.Callback, inv)
	if err != nil {
		return dispatch.Result{Code: 1, Message: err.Error()}, nil
	}

	podName := r.NamePrefix + sanitizeName(inv.Goal.UniqueName) + "-" + shortCorrelation(inv.CorrelationID)
	manifest, err := r.renderManifest(podName, spec, inv)
	if err != nil {
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("rendering pod manifest: %v", err)}, nil
	}

	if out, code, err := r.runKubectl(ctx, manifest, "apply", "-f", "-"); err != nil || code != 0 {
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("applying pod %s: exit %d, %v, %s", podName, code, err, strings.TrimSpace(out))}, nil
	}

	mainName := spec.Containers[0].Name
	exitCode, err := r.watch(ctx, podName, mainName)
	if err != nil {
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("watching pod %s: %v", podName, err)}, nil
	}
	if exitCode != 0 {
		return dispatch.Result{Code: 1, Message: fmt.Sprintf("main container %s exited with code %d", mainName, exitCode)}, nil
	}
	return dispatch.Result{Code: 0, Message: fmt.Sprintf("pod %s completed", podName)}, nil
}

// watch polls the pod until the main container reaches a terminal
// state, starting the log tail once it is running.
func (r *Runner) watch(ctx context.Context, podName, mainName string) (int, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	tailCtx, stopTail := context.WithCancel(ctx)
	defer stopTail()
	tailing := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, code, err := r.runKubectl(ctx, "", "get", "pod", podName, "-o", "json")
		if err != nil {
			return 0, err
		}
		if code != 0 {
			return 0, fmt.Errorf("kubectl get pod exited with code %d", code)
		}
		status, err := parseContainerStatus(out, mainName)
		if err != nil {
			return 0, err
		}
		switch {
		case status.terminated:
			return status.exitCode, nil
		case status.running && !tailing:
			tailing = true
			go r.tailLogs(tailCtx, podName, mainName)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

type containerStatus struct {
	running    bool
	terminated bool
	exitCode   int
}

// parseContainerStatus extracts one container's state from a pod's
// JSON representation.
func parseContainerStatus(podJSON, name string) (containerStatus, error) {
	var pod struct {
		Status struct {
			ContainerStatuses []struct {
				Name  string `json:"name"`
				State struct {
					Running    *struct{} `json:"running"`
					Terminated *struct {
						ExitCode int `json:"exitCode"`
					} `json:"terminated"`
				} `json:"state"`
			} `json:"containerStatuses"`
		} `json:"status"`
	}
	if err := json.Unmarshal([]byte(podJSON), &pod); err != nil {
		return containerStatus{}, fmt.Errorf("parsing pod status: %w", err)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != name {
			continue
		}
		if cs.State.Terminated != nil {
			return containerStatus{terminated: true, exitCode: cs.State.Terminated.ExitCode}, nil
		}
		return containerStatus{running: cs.State.Running != nil}, nil
	}
	// Status not reported yet: the pod is still being scheduled.
	return containerStatus{}, nil
}

type podManifest struct {
	APIVersion string      `yaml:"apiVersion"`
	Kind       string      `yaml:"kind"`
	Metadata   podMetadata `yaml:"metadata"`
	Spec       podSpec     `yaml:"spec"`
}

type podMetadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels"`
}

type podSpec struct {
	RestartPolicy string         `yaml:"restartPolicy"`
	Containers    []podContainer `yaml:"containers"`
	Volumes       []podVolume    `yaml:"volumes,omitempty"`
}

type podContainer struct {
	Name         string           `yaml:"name"`
	Image        string           `yaml:"image"`
	Command      []string         `yaml:"command,omitempty"`
	Args         []string         `yaml:"args,omitempty"`
	WorkingDir   string           `yaml:"workingDir,omitempty"`
	Env          []podEnvVar      `yaml:"env,omitempty"`
	VolumeMounts []podVolumeMount `yaml:"volumeMounts,omitempty"`
}

type podEnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type podVolumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

type podVolume struct {
	Name     string `yaml:"name"`
	HostPath struct {
		Path string `yaml:"path"`
	} `yaml:"hostPath"`
}

const projectVolumeName = "project"

// renderManifest builds the pod for one goal job. All containers share
// the pod, so sidecars are reachable on localhost instead of by
// network alias. The project directory is mounted at the project home
// of every container.
func (r *Runner) renderManifest(podName string, spec container.JobSpec, inv dispatch.Invocation) (string, error) {
	declared := make(map[string]string, len(spec.Volumes))
	for _, v := range spec.Volumes {
		declared[v.Name] = v.HostPath
	}

	m := podManifest{
		APIVersion: "v1",
		Kind:       "Pod",
		Metadata: podMetadata{
			Name:      podName,
			Namespace: r.Namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				goalSetLabel:   inv.Goal.GoalSetID,
			},
		},
		Spec: podSpec{RestartPolicy: "Never"},
	}

	env := inv.Env()
	envNames := make([]string, 0, len(env))
	for n := range env {
		envNames = append(envNames, n)
	}
	sort.Strings(envNames)

	usedVolumes := map[string]bool{projectVolumeName: true}
	for i, c := range spec.Containers {
		pc := podContainer{
			Name:       c.Name,
			Image:      c.Image,
			Command:    c.Command,
			Args:       c.Args,
			WorkingDir: c.WorkingDir,
			VolumeMounts: []podVolumeMount{
				{Name: projectVolumeName, MountPath: container.ProjectHome},
			},
		}
		if i == 0 {
			pc.WorkingDir = container.ProjectHome
		}
		for _, n := range envNames {
			pc.Env = append(pc.Env, podEnvVar{Name: n, Value: env[n]})
		}
		for _, e := range c.Env {
			pc.Env = append(pc.Env, podEnvVar{Name: e.Name, Value: e.Value})
		}
		for _, mnt := range c.VolumeMounts {
			if _, ok := declared[mnt.Name]; !ok {
				return "", fmt.Errorf("volume mount %q references undeclared volume", mnt.Name)
			}
			usedVolumes[mnt.Name] = true
			pc.VolumeMounts = append(pc.VolumeMounts, podVolumeMount{Name: mnt.Name, MountPath: mnt.MountPath})
		}
		m.Spec.Containers = append(m.Spec.Containers, pc)
	}

	projectVol := podVolume{Name: projectVolumeName}
	projectVol.HostPath.Path = inv.ProjectDir
	m.Spec.Volumes = append(m.Spec.Volumes, projectVol)
	for _, v := range spec.Volumes {
		if !usedVolumes[v.Name] {
			continue
		}
		vol := podVolume{Name: v.Name}
		vol.HostPath.Path = v.HostPath
		m.Spec.Volumes = append(m.Spec.Volumes, vol)
	}

	rendered, err := yaml.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(rendered), nil
}

// sanitizeName lowers a goal name into a DNS-1123 compatible fragment.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func shortCorrelation(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
