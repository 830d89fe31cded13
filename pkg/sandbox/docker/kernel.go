package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// Kernel stream message types. The client sends one executeRequest per
// connection; the server replies with any number of stdout, stderr and
// result messages, then exactly one of error or done.
const (
	msgStdout = "stdout"
	msgStderr = "stderr"
	msgResult = "result"
	msgError  = "error"
	msgDone   = "done"
)

type executeRequest struct {
	Code string `json:"code"`
}

type kernelMessage struct {
	Type   string                  `json:"type"`
	Text   string                  `json:"text,omitempty"`
	Result *sandbox.Result         `json:"result,omitempty"`
	Error  *sandbox.ExecutionError `json:"error,omitempty"`
}

// kernelClient runs code against the kernel server's websocket endpoint.
type kernelClient struct {
	endpoint string
	dialer   *websocket.Dialer
}

func newKernelClient(endpoint string) *kernelClient {
	return &kernelClient{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
	}
}

// execute submits code and collects the streamed output until the kernel
// reports completion or an exception.
func (k *kernelClient) execute(ctx context.Context, code string) (*sandbox.Execution, error) {
	conn, resp, err := k.dialer.DialContext(ctx, k.endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dialing kernel: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing kernel: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(executeRequest{Code: code}); err != nil {
		return nil, fmt.Errorf("sending code: %w", err)
	}

	exec := &sandbox.Execution{}
	for {
		var msg kernelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("kernel closed stream before completion: %w", err)
			}
			return nil, fmt.Errorf("reading kernel stream: %w", err)
		}

		switch msg.Type {
		case msgStdout:
			exec.Logs.Stdout = append(exec.Logs.Stdout, msg.Text)
		case msgStderr:
			exec.Logs.Stderr = append(exec.Logs.Stderr, msg.Text)
		case msgResult:
			if msg.Result != nil {
				exec.Results = append(exec.Results, *msg.Result)
			}
		case msgError:
			if msg.Error == nil {
				return nil, fmt.Errorf("kernel sent error message without payload")
			}
			exec.Error = msg.Error
			k.closeNormally(conn)
			return exec, nil
		case msgDone:
			k.closeNormally(conn)
			return exec, nil
		default:
			slog.Debug("Ignoring unknown kernel message", "type", msg.Type)
		}
	}
}

func (k *kernelClient) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		slog.Debug("Failed to close kernel stream", "error", err)
	}
}
