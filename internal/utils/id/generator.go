// Package id generates entity identifiers. Durable entities use plain UUIDv4;
// execution-scoped entities carry a short type prefix so identifiers are
// recognizable in logs and CLI output.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewUUID generates a plain UUIDv4 for durable entities (sessions, tasks,
// projects, memories).
func NewUUID() string {
	return uuid.NewString()
}

// NewPipelineExecutionID generates a "pe-" prefixed identifier.
func NewPipelineExecutionID() string {
	return prefixed("pe")
}

// NewCronJobID generates a "cj-" prefixed identifier.
func NewCronJobID() string {
	return prefixed("cj")
}

// NewCronRunID generates a "cr-" prefixed identifier.
func NewCronRunID() string {
	return prefixed("cr")
}

// NewRunID generates a "run-" prefixed identifier for live agent runs.
func NewRunID() string {
	return prefixed("run")
}

// NewResumeToken generates an unguessable token for pipeline approval gates.
func NewResumeToken() string {
	return prefixed("rt")
}

func prefixed(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
