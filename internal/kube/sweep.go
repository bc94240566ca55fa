package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const DefaultTTL = 30 * time.Minute

// Sweeper deletes goal pods that have outlived their TTL. Pods are
// never deleted inline after a run because the deleting process may be
// a pod scheduled for a single goal and already gone.
type Sweeper struct {
	Runner *Runner
	TTL    time.Duration
	Logger *log.Logger
	Now    func() time.Time
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SweepExpired deletes every managed pod older than the TTL. Returns
// the names of the deleted pods. Individual deletion failures are
// logged and skipped so one stuck pod does not block the rest.
func (s *Sweeper) SweepExpired(ctx context.Context) ([]string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	out, code, err := s.Runner.runKubectl(ctx, "", "get", "pods",
		"--selector", managedByLabel+"="+managedByValue, "-o", "json")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("kubectl get pods exited with code %d", code)
	}
	expired, err := expiredPods(out, s.now().Add(-ttl))
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range expired {
		if _, code, err := s.Runner.runKubectl(ctx, "", "delete", "pod", name, "--wait=false"); err != nil || code != 0 {
			s.logger().Printf("kube: sweeping pod %s: exit %d, %v", name, code, err)
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// expiredPods returns the names of pods created before the cutoff.
func expiredPods(podListJSON string, cutoff time.Time) ([]string, error) {
	var list struct {
		Items []struct {
			Metadata struct {
				Name              string `json:"name"`
				CreationTimestamp string `json:"creationTimestamp"`
			} `json:"metadata"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(podListJSON), &list); err != nil {
		return nil, fmt.Errorf("parsing pod list: %w", err)
	}
	var expired []string
	for _, item := range list.Items {
		created, err := time.Parse(time.RFC3339, item.Metadata.CreationTimestamp)
		if err != nil {
			// Unparseable timestamps count as expired so broken pods
			// still get reaped.
			expired = append(expired, item.Metadata.Name)
			continue
		}
		if created.Before(cutoff) {
			expired = append(expired, item.Metadata.Name)
		}
	}
	return expired, nil
}
