package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/metrics"
	"github.com/remiges-tech/batchgate/router"
	"github.com/remiges-tech/batchgate/service"
	"github.com/remiges-tech/batchgate/upstream"
)

// Dependency keys under which handlers expect their collaborators on the
// service container.
const (
	DepStateManager = "stateManager"
	DepMetrics      = "metrics"
)

// recheckInterval bounds how long a parked caller can miss a completion.
// Wake-ups normally arrive over pub/sub; the periodic re-read only matters
// when an event is lost or the subscription was late. Var so tests can
// shorten it.
var recheckInterval = 30 * time.Second

var validate = validator.New()

// HandleHealthCheck reports liveness.
func HandleHealthCheck(c *gin.Context, _ *service.Service) {
	c.String(http.StatusOK, "OK")
}

// HandleChatCompletionRequest accepts a chat completion request, queues it
// for the next batch window (or joins the in-flight request carrying the
// same idempotency key) and holds the connection open until the result
// lands. Requests that already finished are answered from the stored
// result without touching the queue.
func HandleChatCompletionRequest(c *gin.Context, s *service.Service) {
	lh := s.LogHarbour.WithModule("handler").WithOp("chat_completion")
	m := handlerMetrics(s)

	states, ok := s.Dependencies[DepStateManager].(*StateManager)
	if !ok {
		lh.Error(errors.New("state manager dependency not wired")).LogActivity("Service misconfigured", nil)
		c.JSON(http.StatusInternalServerError, NewAPIError("service unavailable"))
		return
	}

	requestID := c.GetHeader("idempotency-key")
	if requestID == "" {
		requestID = uuid.NewString()
		lh.Info().LogActivity("No idempotency key provided, generated one", map[string]any{
			"requestId": requestID,
		})
	}
	lh = lh.WithInstanceId(requestID)

	apiKey, err := router.ExtractBearerToken(c.GetHeader("Authorization"))
	if err != nil {
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeRejected)
		c.JSON(http.StatusUnauthorized, NewAPIError(ErrMsgMissingBearer))
		return
	}

	var req upstream.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeRejected)
		c.JSON(http.StatusBadRequest, NewAPIError("invalid request body: "+err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeRejected)
		c.JSON(http.StatusBadRequest, NewAPIError("invalid request body: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	lh.Info().LogActivity("Received chat completion request", map[string]any{
		"model":    req.Model,
		"messages": len(req.Messages),
	})

	state, err := states.Get(ctx, requestID)
	switch {
	case err == nil && state.Status == StatusComplete:
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeCached)
		lh.Info().LogActivity("Returning stored result", nil)
		respondComplete(c, lh, state)
		return
	case err == nil && state.Status == StatusFailed:
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeFailed)
		respondFailed(c, lh, state)
		return
	case err == nil:
		m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeWaiting)
		lh.Info().LogActivity("Request already in progress, waiting", nil)
	case errors.Is(err, ErrRequestNotFound):
		created, cerr := states.Create(ctx, requestID, req, apiKey)
		if cerr != nil {
			lh.Error(cerr).LogActivity("Failed to create request state", nil)
			c.JSON(http.StatusInternalServerError, NewAPIError(cerr.Error()))
			return
		}
		if created {
			m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeCreated)
		} else {
			// Another caller created it between our read and write.
			m.RecordWithLabels(MetricRequestsReceived, 1, OutcomeWaiting)
			lh.Info().LogActivity("Request already in progress, waiting", nil)
		}
	default:
		lh.Error(err).LogActivity("Failed to load request state", nil)
		c.JSON(http.StatusInternalServerError, NewAPIError(err.Error()))
		return
	}

	waitForCompletion(c, lh, states, requestID)
}

// waitForCompletion parks the caller until the request reaches a terminal
// status. State is re-read at the top of every iteration, so a completion
// that raced the subscribe, a resubscribe gap or a dropped event delays
// the response by at most one recheck interval.
func waitForCompletion(c *gin.Context, lh *logharbour.Logger, states *StateManager, requestID string) {
	ctx := c.Request.Context()

	sub, err := states.SubscribeCompletion(ctx, requestID)
	if err != nil {
		lh.Error(err).LogActivity("Failed to subscribe to completion events", nil)
		c.JSON(http.StatusInternalServerError, NewAPIError(err.Error()))
		return
	}
	defer func() { _ = sub.Close() }()

	for {
		state, err := states.Get(ctx, requestID)
		switch {
		case errors.Is(err, ErrRequestNotFound):
			// State lapsed mid-wait. Keep listening; a late writer may
			// still publish.
		case err != nil:
			lh.Error(err).LogActivity("Failed to re-read request state", nil)
			c.JSON(http.StatusInternalServerError, NewAPIError(err.Error()))
			return
		case state.Status == StatusComplete:
			lh.Info().LogActivity("Request completed", nil)
			respondComplete(c, lh, state)
			return
		case state.Status == StatusFailed:
			respondFailed(c, lh, state)
			return
		}

		select {
		case _, open := <-sub.Messages():
			if !open {
				lh.Warn().LogActivity("Completion stream ended, resubscribing", nil)
				_ = sub.Close()
				next, serr := states.SubscribeCompletion(ctx, requestID)
				if serr != nil {
					lh.Error(serr).LogActivity("Failed to resubscribe to completion events", nil)
					c.JSON(http.StatusInternalServerError, NewAPIError(serr.Error()))
					return
				}
				sub = next
			}
		case <-time.After(recheckInterval):
		case <-ctx.Done():
			lh.Info().LogActivity("Client disconnected while waiting", nil)
			return
		}
	}
}

func respondComplete(c *gin.Context, lh *logharbour.Logger, state *RequestState) {
	if state.Result == nil {
		lh.Error(errors.New(ErrMsgNoResult)).LogActivity("Completed request has no stored result", nil)
		c.JSON(http.StatusInternalServerError, NewAPIError(ErrMsgNoResult))
		return
	}
	c.JSON(http.StatusOK, state.Result)
}

func respondFailed(c *gin.Context, lh *logharbour.Logger, state *RequestState) {
	msg := state.Error
	if msg == "" {
		msg = "Unknown error"
	}
	lh.Error(errors.New(msg)).LogActivity("Request failed in batch", nil)
	c.JSON(http.StatusInternalServerError, NewAPIError("Batch processing failed: "+msg))
}

func handlerMetrics(s *service.Service) metrics.Metrics {
	if m, ok := s.Dependencies[DepMetrics].(metrics.Metrics); ok && m != nil {
		return m
	}
	return nopMetrics{}
}
