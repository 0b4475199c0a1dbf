// ABOUTME: Maps component sentinel errors onto API error codes and statuses
// ABOUTME: Anything unrecognised becomes INTERNAL_ERROR and is logged with its cause

package gateway

import (
	"errors"
	"net/http"

	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/catalog"
	"github.com/2389/coven-control/internal/dispatch"
	"github.com/2389/coven-control/internal/generate"
	"github.com/2389/coven-control/internal/groups"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/queue"
	"github.com/2389/coven-control/internal/scheduler"
	"github.com/2389/coven-control/internal/store"
)

// toAPIError classifies err. Transport failures are checked before
// not-found so a send to a vanished agent reads as a disconnect.
func toAPIError(err error) *apierr.Error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var blocked *dispatch.BlockedError
	if errors.As(err, &blocked) {
		return apierr.CommandBlocked(blocked.Reason)
	}

	switch {
	case errors.Is(err, agent.ErrTransport):
		return apierr.Wrap(err, http.StatusServiceUnavailable, apierr.CodeAgentDisconnected, "Agent disconnected")
	case errors.Is(err, agent.ErrAgentNotFound):
		return apierr.Wrap(err, http.StatusNotFound, apierr.CodeAgentNotFound, "Agent not found or not connected")
	case errors.Is(err, dispatch.ErrNoTargets):
		return apierr.Wrap(err, http.StatusNotFound, apierr.CodeAgentNotFound, "No target agents connected")
	case errors.Is(err, queue.ErrCommandNotFound):
		return apierr.NotFound(apierr.CodeCommandNotFound, "Command not found")
	case errors.Is(err, queue.ErrQueueEmpty):
		return apierr.NotFound(apierr.CodeQueueEmpty, "Queue is empty")
	case errors.Is(err, groups.ErrGroupNotFound):
		return apierr.NotFound(apierr.CodeGroupNotFound, "Group not found")
	case errors.Is(err, groups.ErrNotMember):
		return apierr.NotFound(apierr.CodeAgentNotFound, "Agent is not a member of the group")
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return apierr.NotFound(apierr.CodeTaskNotFound, "Task not found")
	case errors.Is(err, catalog.ErrTemplateNotFound):
		return apierr.NotFound(apierr.CodeTemplateNotFound, "Template not found")
	case errors.Is(err, groups.ErrGroupExists):
		return apierr.Duplicate("Group")
	case errors.Is(err, store.ErrDuplicate):
		return apierr.Duplicate("Entry")
	case errors.Is(err, catalog.ErrMissingParam):
		return apierr.New(http.StatusBadRequest, apierr.CodeMissingParameter, err.Error())
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, groups.ErrInvalidName),
		errors.Is(err, groups.ErrInvalidAgentID),
		errors.Is(err, catalog.ErrInvalidParam):
		return apierr.InvalidRequest(err.Error())
	case errors.Is(err, generate.ErrGeneration), errors.Is(err, generate.ErrUnavailable):
		return apierr.AIService(err)
	case errors.Is(err, notify.ErrTooManySubscribers):
		return apierr.Wrap(err, http.StatusServiceUnavailable, apierr.CodeInternal, "Too many notification subscribers")
	}
	return apierr.Internal(err)
}

// writeError renders err, logging server-side failures with their cause.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", apiErr.Code,
			"error", err,
		)
	}
	apierr.Write(w, apiErr)
}
