// Package container holds the container job specification shared by
// the Docker and Kubernetes fulfillment strategies.
package container

import (
	"context"
	"encoding/json"
	"fmt"

	"driveline/internal/dispatch"
)

// ProjectHome is the fixed path at which the staged project directory
// is mounted inside every container.
const ProjectHome = "/dl/project"

type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// VolumeMount references a declared volume by name.
type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
}

// Volume declares a host path that containers may mount.
type Volume struct {
	Name     string `json:"name" yaml:"name"`
	HostPath string `json:"host_path" yaml:"host_path"`
}

// Container describes one container of a goal job. The first declared
// container of a job is the main container: it alone runs in the
// project home and its exit status alone decides the job result.
type Container struct {
	Name         string        `json:"name" yaml:"name"`
	Image        string        `json:"image" yaml:"image"`
	Command      []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Args         []string      `json:"args,omitempty" yaml:"args,omitempty"`
	Env          []EnvVar      `json:"env,omitempty" yaml:"env,omitempty"`
	Ports        []string      `json:"ports,omitempty" yaml:"ports,omitempty"`
	VolumeMounts []VolumeMount `json:"volume_mounts,omitempty" yaml:"volume_mounts,omitempty"`
	WorkingDir   string        `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// JobSpec is the static registration of a container goal job.
type JobSpec struct {
	Containers []Container `json:"containers" yaml:"containers"`
	Volumes    []Volume    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Callback resolves the final job spec at execution time, allowing
// push-time conditional container selection and placeholder
// substitution. A nil return keeps the static spec.
type Callback func(ctx context.Context, inv dispatch.Invocation, spec JobSpec) (*JobSpec, error)

// Resolve merges the static spec with the callback result and
// validates the outcome. A resolved spec with zero containers is a
// validation error.
func Resolve(ctx context.Context, spec JobSpec, cb Callback, inv dispatch.Invocation) (JobSpec, error) {
	if cb != nil {
		resolved, err := cb(ctx, inv, spec)
		if err != nil {
			return spec, fmt.Errorf("resolving container spec: %w", err)
		}
		if resolved != nil {
			spec = *resolved
		}
	}
	if len(spec.Containers) == 0 {
		return spec, fmt.Errorf("container spec for %s has no containers", inv.Goal.Key())
	}
	for i, c := range spec.Containers {
		if c.Name == "" {
			return spec, fmt.Errorf("container %d has no name", i)
		}
		if c.Image == "" {
			return spec, fmt.Errorf("container %q has no image", c.Name)
		}
	}
	return spec, nil
}

// FromGoalData extracts a job spec override from the goal's opaque
// data payload, under the "container" key. Returns nil when the
// payload carries none.
func FromGoalData(data string) (*JobSpec, error) {
	if data == "" {
		return nil, nil
	}
	var payload struct {
		Container *JobSpec `json:"container"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("parsing goal data payload: %w", err)
	}
	return payload.Container, nil
}
