package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/pyrepr"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/result"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeRemoteError
	outcomeIntercepted
)

// outcome is the classified result of one submission.
type outcome struct {
	kind   outcomeKind
	exec   *sandbox.Execution
	report *callstub.Report
}

// runState holds what one Run accumulates across its submissions.
type runState struct {
	runner   *Runner
	logs     []string
	handoffs int
}

func (rs *runState) run(ctx context.Context, code string, state statesync.Bundle) (*Output, error) {
	r := rs.runner

	if len(state) > 0 {
		lines, err := r.push(ctx, state)
		rs.logs = append(rs.logs, lines...)
		if err != nil {
			return nil, err
		}
	}

	evType := store.EventSubmitted
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := rs.step(ctx, code, evType)
		if err != nil {
			return nil, err
		}

		switch out.kind {
		case outcomeRemoteError:
			e := out.exec.Error
			return nil, &RemoteExecutionError{
				Logs:      out.exec.Stdout(),
				Name:      e.Name,
				Value:     e.Value,
				Traceback: e.Traceback,
			}

		case outcomeIntercepted:
			rs.handoffs++
			if rs.handoffs > r.maxHandoffs {
				return nil, fmt.Errorf("%w: limit is %d", ErrTooManyHandoffs, r.maxHandoffs)
			}
			code, err = rs.handoff(ctx, code, out.report)
			if err != nil {
				return nil, err
			}
			evType = store.EventResumed

		default:
			final := r.IsFinalAnswer()
			res, err := result.Extract(out.exec.Results, final)
			if err != nil {
				return nil, err
			}
			return &Output{Result: res, IsFinalAnswer: final}, nil
		}
	}
}

// step submits one code action and classifies the execution.
func (rs *runState) step(ctx context.Context, code string, evType store.EventType) (*outcome, error) {
	r := rs.runner

	if r.finishCall.MatchString(code) {
		r.finalAnswer.Store(true)
	}
	if evType == store.EventSubmitted {
		r.record(ctx, &store.Event{Type: evType, Code: code})
	}

	exec, err := r.sb.RunCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("submitting code: %w", err)
	}
	rs.logs = append(rs.logs, exec.Lines()...)

	if exec.Error == nil {
		return &outcome{kind: outcomeCompleted, exec: exec}, nil
	}
	report, intercepted, err := callstub.FromError(exec.Error)
	if err != nil {
		return nil, err
	}
	if !intercepted {
		return &outcome{kind: outcomeRemoteError, exec: exec}, nil
	}
	return &outcome{kind: outcomeIntercepted, exec: exec, report: report}, nil
}

// handoff runs the reported capability locally, pushes its result and
// returns the code to resubmit.
func (rs *runState) handoff(ctx context.Context, code string, report *callstub.Report) (string, error) {
	r := rs.runner

	capability, ok := r.capabilities.Get(report.Name)
	if !ok {
		return "", &callstub.InterceptionProtocolError{Reason: fmt.Sprintf("unknown capability %q", report.Name)}
	}
	site, err := locateCallSite(code, report.Line, report.Name, r.names)
	if err != nil {
		return "", err
	}
	r.record(ctx, &store.Event{Type: store.EventIntercepted, Capability: report.Name, Line: report.Line})

	slog.Info("Running capability locally", "session", r.sb.ID(), "capability", report.Name, "line", report.Line, "args", report.Args)
	value, err := capability.Call(ctx, report.Args, report.Kwargs)
	if err != nil {
		return "", &CapabilityError{Name: report.Name, Err: err}
	}

	literal, err := pyrepr.Encode(value)
	if err != nil {
		return "", &statesync.SerializationError{Key: report.Name, Err: err}
	}

	lines, err := r.push(ctx, statesync.Bundle{report.Name: value})
	rs.logs = append(rs.logs, lines...)
	if err != nil {
		return "", err
	}

	next := rewrite(code, site, literal)
	slog.Info("Resuming execution", "session", r.sb.ID(), "capability", report.Name, "remainingLines", strings.Count(next, "\n")+1)
	r.record(ctx, &store.Event{Type: store.EventResumed, Code: next, Capability: report.Name, Output: literal})
	return next, nil
}
