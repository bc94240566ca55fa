package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"driveline/internal/container"
	"driveline/internal/dispatch"
	"driveline/internal/domain"
)

type fakeDocker struct {
	mu    sync.Mutex
	calls [][]string

	// exit codes per container name for run commands
	runCodes map[string]int
	// invoked with the staging dir when the main container runs
	onMainRun func(staging string)
	// non-zero exit for network create
	failNetworkCreate bool
}

func (f *fakeDocker) exec(ctx context.Context, args ...string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()

	switch args[0] {
	case "network":
		if args[1] == "create" && f.failNetworkCreate {
			return 1, nil
		}
		return 0, nil
	case "kill":
		return 0, nil
	case "run":
		name := flagValue(args, "--name=")
		short := strings.TrimSuffix(strings.TrimPrefix(name, "dl-"), "-job")
		if f.onMainRun != nil && short == "main" {
			staging := strings.SplitN(flagValue(args, "--volume="), ":", 2)[0]
			f.onMainRun(staging)
		}
		if code, ok := f.runCodes[short]; ok {
			return code, nil
		}
		return 0, nil
	}
	return 0, nil
}

func flagValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func (f *fakeDocker) commandCount(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call[0] == verb {
			n++
		}
	}
	return n
}

func testInvocation(projectDir string) dispatch.Invocation {
	return dispatch.Invocation{
		Goal: domain.Goal{
			GoalSetID:   "gs-1",
			Environment: "ci",
			UniqueName:  "build",
			Version:     2,
			Push:        domain.Push{Owner: "acme", Repo: "shop", Branch: "main", SHA: "abc123"},
		},
		ProjectDir:    projectDir,
		CorrelationID: "corr-1",
	}
}

func newTestRunner(t *testing.T, spec container.JobSpec, fake *fakeDocker) (*Runner, string) {
	t.Helper()
	r := New(spec)
	r.NameSuffix = "-job"
	r.StagingRoot = t.TempDir()
	r.runDocker = fake.exec
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, "A"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return r, projectDir
}

func mainOnlySpec() container.JobSpec {
	return container.JobSpec{Containers: []container.Container{
		{Name: "main", Image: "golang:1.23"},
	}}
}

func mainSidecarSpec() container.JobSpec {
	return container.JobSpec{Containers: []container.Container{
		{Name: "main", Image: "golang:1.23"},
		{Name: "db", Image: "postgres:16"},
	}}
}

func TestSidecarFailureDoesNotFailJob(t *testing.T) {
	fake := &fakeDocker{runCodes: map[string]int{"main": 0, "db": 137}}
	r, projectDir := newTestRunner(t, mainSidecarSpec(), fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code != 0 {
		t.Fatalf("code = %d (%s), want 0", res.Code, res.Message)
	}
	if fake.commandCount("run") != 2 {
		t.Fatalf("run invocations = %d, want 2", fake.commandCount("run"))
	}
}

func TestMainFailureFailsJob(t *testing.T) {
	fake := &fakeDocker{runCodes: map[string]int{"main": 2, "db": 0}}
	r, projectDir := newTestRunner(t, mainSidecarSpec(), fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code == 0 {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Message, "exited with code 2") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestArtifactPropagation(t *testing.T) {
	fake := &fakeDocker{}
	fake.onMainRun = func(staging string) {
		os.WriteFile(filepath.Join(staging, "A"), []byte("y"), 0o644)
		os.WriteFile(filepath.Join(staging, "B"), []byte("new"), 0o644)
	}
	r, projectDir := newTestRunner(t, mainOnlySpec(), fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil || res.Code != 0 {
		t.Fatalf("execute: code=%d err=%v (%s)", res.Code, err, res.Message)
	}

	if got, _ := os.ReadFile(filepath.Join(projectDir, "A")); string(got) != "y" {
		t.Fatalf("A = %q, want %q", got, "y")
	}
	if got, _ := os.ReadFile(filepath.Join(projectDir, "B")); string(got) != "new" {
		t.Fatalf("B = %q, want %q", got, "new")
	}
	entries, err := os.ReadDir(r.StagingRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging root not cleaned: %v", entries)
	}
}

func TestUntouchedSymlinkSurvivesWriteBack(t *testing.T) {
	fake := &fakeDocker{}
	r, projectDir := newTestRunner(t, mainOnlySpec(), fake)
	if err := os.Symlink("A", filepath.Join(projectDir, "link")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil || res.Code != 0 {
		t.Fatalf("execute: code=%d err=%v (%s)", res.Code, err, res.Message)
	}
	dest, err := os.Readlink(filepath.Join(projectDir, "link"))
	if err != nil {
		t.Fatalf("link is no longer a symlink: %v", err)
	}
	if dest != "A" {
		t.Fatalf("link -> %q, want A", dest)
	}
}

func TestSymlinkRetargetPropagates(t *testing.T) {
	fake := &fakeDocker{}
	fake.onMainRun = func(staging string) {
		os.WriteFile(filepath.Join(staging, "B"), []byte("new"), 0o644)
		os.Remove(filepath.Join(staging, "link"))
		os.Symlink("B", filepath.Join(staging, "link"))
	}
	r, projectDir := newTestRunner(t, mainOnlySpec(), fake)
	if err := os.Symlink("A", filepath.Join(projectDir, "link")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil || res.Code != 0 {
		t.Fatalf("execute: code=%d err=%v (%s)", res.Code, err, res.Message)
	}
	dest, err := os.Readlink(filepath.Join(projectDir, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if dest != "B" {
		t.Fatalf("link -> %q, want B", dest)
	}
}

func TestDeletionsPropagate(t *testing.T) {
	fake := &fakeDocker{}
	fake.onMainRun = func(staging string) {
		os.Remove(filepath.Join(staging, "A"))
	}
	r, projectDir := newTestRunner(t, mainOnlySpec(), fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil || res.Code != 0 {
		t.Fatalf("execute: code=%d err=%v (%s)", res.Code, err, res.Message)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "A")); !os.IsNotExist(err) {
		t.Fatalf("A still present after container deleted it: %v", err)
	}
}

func TestNetworkCreateFailureStartsNoContainers(t *testing.T) {
	fake := &fakeDocker{failNetworkCreate: true}
	r, projectDir := newTestRunner(t, mainSidecarSpec(), fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code == 0 {
		t.Fatal("expected failure result")
	}
	if fake.commandCount("run") != 0 {
		t.Fatalf("containers started despite network failure: %d", fake.commandCount("run"))
	}
	entries, err := os.ReadDir(r.StagingRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned after network failure: %v", entries)
	}
}

func TestEmptySpecRejected(t *testing.T) {
	fake := &fakeDocker{}
	r, projectDir := newTestRunner(t, container.JobSpec{}, fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code == 0 || !strings.Contains(res.Message, "no containers") {
		t.Fatalf("result = %d %q", res.Code, res.Message)
	}
	if fake.commandCount("network") != 0 {
		t.Fatal("network created for an invalid spec")
	}
}

func TestUndeclaredVolumeAbortsLaunch(t *testing.T) {
	spec := container.JobSpec{Containers: []container.Container{
		{Name: "main", Image: "golang:1.23"},
		{Name: "db", Image: "postgres:16", VolumeMounts: []container.VolumeMount{{Name: "missing", MountPath: "/data"}}},
	}}
	fake := &fakeDocker{}
	r, projectDir := newTestRunner(t, spec, fake)

	res, err := r.Execute(context.Background(), testInvocation(projectDir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Code == 0 || !strings.Contains(res.Message, "undeclared volume") {
		t.Fatalf("result = %d %q", res.Code, res.Message)
	}
	if fake.commandCount("kill") == 0 {
		t.Fatal("started containers were not torn down")
	}
}

func TestContainerArgsShape(t *testing.T) {
	spec := container.JobSpec{
		Containers: []container.Container{
			{
				Name:    "main",
				Image:   "golang:1.23",
				Command: []string{"make", "build"},
				Env:     []container.EnvVar{{Name: "MODE", Value: "release"}},
				Ports:   []string{"8080:8080"},
			},
		},
		Volumes: []container.Volume{{Name: "cache", HostPath: "/var/cache/dl"}},
	}
	spec.Containers[0].VolumeMounts = []container.VolumeMount{{Name: "cache", MountPath: "/cache"}}
	r := New(spec)
	r.NameSuffix = "-job"

	args, err := r.containerArgs(spec.Containers[0], spec, testInvocation("/proj"), "/staging", "net-1", "dl-main-job", true)
	if err != nil {
		t.Fatalf("containerArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run -t --rm",
		"--name=dl-main-job",
		"--volume=/staging:" + container.ProjectHome,
		"--network=net-1",
		"--network-alias=main",
		"--workdir=" + container.ProjectHome,
		"--entrypoint=make",
		"--env=DRIVELINE_SLUG=acme/shop",
		"--env=DRIVELINE_GOAL_UNIQUE_NAME=build",
		"--env=MODE=release",
		"--publish=8080:8080",
		"--volume=/var/cache/dl:/cache",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
	// Image comes before the remaining command words.
	if !strings.HasSuffix(joined, "golang:1.23 build") {
		t.Fatalf("args end = %q, want image then args", joined)
	}
}
