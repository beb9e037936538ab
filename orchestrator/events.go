// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventStepStarted       EventType = "STEP_STARTED"
	EventStepCompleted     EventType = "STEP_COMPLETED"
	EventStepFailed        EventType = "STEP_FAILED"
	EventStepSkipped       EventType = "STEP_SKIPPED"
	EventAgentActivity     EventType = "AGENT_ACTIVITY"
)

// Event is the payload shape delivered to subscribers. Field names are
// contractual for downstream consumers.
type Event struct {
	EventType   EventType      `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	WorkspaceID string         `json:"workspace_id"`
	StepID      string         `json:"step_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Broadcaster delivers events to subscribers. Delivery is best-effort;
// callers must treat broadcast errors as non-fatal.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

// RedisBroadcaster publishes events to a per-workspace Redis channel so
// interested collaborators can subscribe without polling the database.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster connects to Redis and verifies the connection.
func NewRedisBroadcaster(ctx context.Context, addr, password string, db int) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBroadcaster{client: client}, nil
}

// EventChannel is the Redis channel name for a workspace.
func EventChannel(workspaceID string) string {
	return "events:" + workspaceID
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, EventChannel(event.WorkspaceID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}

// LogBroadcaster writes events to the process log. Used in development
// and as the default when Redis is not configured.
type LogBroadcaster struct{}

func (LogBroadcaster) Broadcast(_ context.Context, event Event) error {
	log.Printf("[Event] %s execution=%s workflow=%s step=%s msg=%s",
		event.EventType, event.ExecutionID, event.WorkflowID, event.StepID, event.Message)
	return nil
}
