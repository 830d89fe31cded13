package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/result"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/session"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

// Error kinds reported in ErrorBody.Kind.
const (
	KindSetup                = "setup"
	KindSerialization        = "serialization"
	KindRemoteExecution      = "remote_execution"
	KindInterceptionProtocol = "interception_protocol"
	KindUnsupportedCallSite  = "unsupported_call_site"
	KindCapability           = "capability"
	KindMissingFinalResult   = "missing_final_result"
	KindInvalidResult        = "invalid_result"
	KindTooManyHandoffs      = "too_many_handoffs"
	KindSandboxUnavailable   = "sandbox_unavailable"
	KindNotFound             = "not_found"
	KindBadRequest           = "bad_request"
	KindCanceled             = "canceled"
	KindInternal             = "internal"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Logs holds the output produced before a run failed.
	Logs string `json:"logs,omitempty"`
}

// classify maps an error to its kind and HTTP status.
func classify(err error) (string, int) {
	var (
		setupErr   *runner.SetupError
		serErr     *statesync.SerializationError
		remoteErr  *runner.RemoteExecutionError
		protoErr   *callstub.InterceptionProtocolError
		siteErr    *runner.UnsupportedCallSiteError
		capErr     *runner.CapabilityError
		missingErr *result.MissingFinalResultError
	)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrSessionNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.As(err, &setupErr):
		return KindSetup, http.StatusBadGateway
	case errors.As(err, &serErr):
		return KindSerialization, http.StatusUnprocessableEntity
	case errors.As(err, &remoteErr):
		return KindRemoteExecution, http.StatusUnprocessableEntity
	case errors.As(err, &protoErr):
		return KindInterceptionProtocol, http.StatusBadGateway
	case errors.As(err, &siteErr):
		return KindUnsupportedCallSite, http.StatusUnprocessableEntity
	case errors.As(err, &capErr):
		return KindCapability, http.StatusUnprocessableEntity
	case errors.As(err, &missingErr):
		return KindMissingFinalResult, http.StatusUnprocessableEntity
	case errors.Is(err, result.ErrInvalidImage):
		return KindInvalidResult, http.StatusBadGateway
	case errors.Is(err, runner.ErrTooManyHandoffs):
		return KindTooManyHandoffs, http.StatusUnprocessableEntity
	case errors.Is(err, sandbox.ErrNotRunning), errors.Is(err, session.ErrManagerClosed):
		return KindSandboxUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled, http.StatusServiceUnavailable
	}
	return KindInternal, http.StatusInternalServerError
}
