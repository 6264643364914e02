package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvalflow/pkg/models"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	var received models.TransitionEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := &models.TransitionEvent{
		RequestID:  "req-1",
		FlowKey:    "leave_request",
		Action:     models.ActionApprove,
		FromStatus: models.StatusPending,
		ToStatus:   models.StatusApproved,
		ActorID:    "actor-1",
		OccurredAt: time.Now().UTC(),
	}

	err := NewWebhookNotifier(srv.URL).OnTransition(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, event.RequestID, received.RequestID)
	assert.Equal(t, event.Action, received.Action)
}

func TestWebhookNotifierRejectedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).OnTransition(context.Background(), &models.TransitionEvent{})
	assert.Error(t, err)
}

func TestLogNotifierNeverFails(t *testing.T) {
	err := NewLogNotifier(testLogger()).OnTransition(context.Background(), &models.TransitionEvent{
		RequestID: "req-1",
		Action:    models.ActionSubmit,
	})
	assert.NoError(t, err)
}
