// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBroadcasterPublishesToWorkspaceChannel(t *testing.T) {
	srv := miniredis.RunT(t)

	ctx := context.Background()
	b, err := NewRedisBroadcaster(ctx, srv.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	sub := b.client.Subscribe(ctx, EventChannel("ws-1"))
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	event := Event{
		EventType:   EventWorkflowStarted,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		WorkspaceID: "ws-1",
		Message:     "workflow started",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, b.Broadcast(ctx, event))

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, EventWorkflowStarted, got.EventType)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "ws-1", got.WorkspaceID)
}

func TestRedisBroadcasterConnectFailure(t *testing.T) {
	_, err := NewRedisBroadcaster(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestLogBroadcasterNeverFails(t *testing.T) {
	assert.NoError(t, LogBroadcaster{}.Broadcast(context.Background(), Event{
		EventType:   EventStepCompleted,
		ExecutionID: "exec-1",
	}))
}
