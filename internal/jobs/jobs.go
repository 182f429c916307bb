// Package jobs is the durable task runtime gluing the pipelines together:
// two Redis-backed logical queues (cluster, severity), typed job payloads,
// a worker pool with taxonomy-driven retries, and the follow-up dispatch
// from a completed cluster job to a severity job.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/ucrsph/incident-engine/internal/types"
)

// Kind tags the two job variants carried by the bus.
type Kind string

const (
	KindCluster  Kind = "cluster"
	KindSeverity Kind = "severity"
)

// ClusterJob carries everything needed to cluster one complaint. Payloads
// are self-contained; nothing references in-memory state.
type ClusterJob struct {
	Input types.ClusterInput `json:"input"`
}

// SeverityJob requests a severity recomputation for one incident.
type SeverityJob struct {
	IncidentID int64 `json:"incident_id"`
}

// envelope is the wire form: a kind tag plus the raw payload of exactly one
// of the two variants.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Job is a decoded bus message. Exactly one of Cluster/Severity is set,
// matching Kind.
type Job struct {
	Kind     Kind
	Cluster  *ClusterJob
	Severity *SeverityJob
}

func encodeJob(j Job) ([]byte, error) {
	var payload interface{}
	switch j.Kind {
	case KindCluster:
		payload = j.Cluster
	case KindSeverity:
		payload = j.Severity
	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", j.Kind, err)
	}
	return json.Marshal(envelope{Kind: j.Kind, Payload: raw})
}

func decodeJob(data []byte) (Job, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Job{}, fmt.Errorf("unmarshal job envelope: %w", err)
	}
	job := Job{Kind: env.Kind}
	switch env.Kind {
	case KindCluster:
		job.Cluster = &ClusterJob{}
		if err := json.Unmarshal(env.Payload, job.Cluster); err != nil {
			return Job{}, fmt.Errorf("unmarshal cluster payload: %w", err)
		}
	case KindSeverity:
		job.Severity = &SeverityJob{}
		if err := json.Unmarshal(env.Payload, job.Severity); err != nil {
			return Job{}, fmt.Errorf("unmarshal severity payload: %w", err)
		}
	default:
		return Job{}, fmt.Errorf("unknown job kind %q", env.Kind)
	}
	return job, nil
}

// describe renders a job identity for log records.
func (j Job) describe() string {
	switch j.Kind {
	case KindCluster:
		if j.Cluster != nil {
			return fmt.Sprintf("cluster(complaint_id=%d)", j.Cluster.Input.ComplaintID)
		}
	case KindSeverity:
		if j.Severity != nil {
			return fmt.Sprintf("severity(incident_id=%d)", j.Severity.IncidentID)
		}
	}
	return string(j.Kind)
}
