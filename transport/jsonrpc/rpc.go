package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	gocmd "github.com/goliatone/go-command"
	mandatescommand "github.com/goliatone/go-mandates/command"
	"github.com/goliatone/go-mandates/core"
	mandatesquery "github.com/goliatone/go-mandates/query"
)

const (
	MethodCreateIntentMandate = "createIntentMandate"
	MethodCreateCartMandate   = "createCartMandate"
	MethodProcessPayment      = "processPayment"
	MethodGetMandate          = "getMandate"
	MethodSubmitTask          = "submitTask"
	MethodGetTaskStatus       = "getTaskStatus"
	MethodListServices        = "listServices"
	MethodSendMessage         = "sendMessage"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// paramsError marks a failure that happened before the method ran.
type paramsError struct {
	err error
}

func (e paramsError) Error() string { return e.err.Error() }

func (e paramsError) Unwrap() error { return e.err }

type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

func (s *Server) methodTable() map[string]methodHandler {
	commands := s.facade.Commands()
	queries := s.facade.Queries()
	return map[string]methodHandler{
		MethodCreateIntentMandate: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params createIntentMandateParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeCommand[core.IntentMandate](ctx, commands.CreateIntentMandate.Execute, mandatescommand.CreateIntentMandateMessage{Request: params.request()})
		},
		MethodCreateCartMandate: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params createCartMandateParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeCommand[core.CartMandate](ctx, commands.CreateCartMandate.Execute, mandatescommand.CreateCartMandateMessage{Request: params.request()})
		},
		MethodProcessPayment: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params processPaymentParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeCommand[core.PaymentMandate](ctx, commands.ProcessPayment.Execute, mandatescommand.ProcessPaymentMessage{Request: params.request()})
		},
		MethodSubmitTask: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params paymentMandateIDParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeCommand[core.TaskResult](ctx, commands.SubmitTask.Execute, mandatescommand.SubmitTaskMessage{PaymentMandateID: params.PaymentMandateID})
		},
		MethodSendMessage: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params sendMessageParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			out, err := executeCommand[core.TaskReply](ctx, commands.ContinueTask.Execute, mandatescommand.ContinueTaskMessage{Request: params.request()})
			if err != nil {
				return nil, err
			}
			reply, _ := out.(core.TaskReply)
			return newSendMessageResult(reply), nil
		},
		MethodGetMandate: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params mandateIDParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeQuery[core.MandateRecord](ctx, queries.GetMandate.Query, mandatesquery.GetMandateMessage{MandateID: params.MandateID})
		},
		MethodGetTaskStatus: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params paymentMandateIDParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			return executeQuery[core.TaskStatus](ctx, queries.GetTaskStatus.Query, mandatesquery.GetTaskStatusMessage{PaymentMandateID: params.PaymentMandateID})
		},
		MethodListServices: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return executeQuery[[]core.CatalogEntry](ctx, queries.ListServices.Query, mandatesquery.ListServicesMessage{})
		},
	}
}

type validatedMessage interface {
	Validate() error
}

func executeCommand[R any, M validatedMessage](ctx context.Context, execute func(context.Context, M) error, msg M) (any, error) {
	if err := msg.Validate(); err != nil {
		return nil, paramsError{err: err}
	}
	collector := gocmd.NewResult[R]()
	if err := execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return nil, err
	}
	out, _ := collector.Load()
	return out, nil
}

func executeQuery[R any, M validatedMessage](ctx context.Context, query func(context.Context, M) (R, error), msg M) (any, error) {
	if err := msg.Validate(); err != nil {
		return nil, paramsError{err: err}
	}
	return query(ctx, msg)
}

func decodeParams(raw json.RawMessage, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(target); err != nil {
		return paramsError{err: fmt.Errorf("decode params: %w", err)}
	}
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	startedAt := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.writeRPC(w, rpcResponse{Error: parseError(err.Error())})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPC(w, rpcResponse{Error: parseError(err.Error())})
		return
	}
	resp := rpcResponse{ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = invalidRequest(`jsonrpc must be "2.0" and method is required`)
		s.writeRPC(w, resp)
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		resp.Error = methodNotFound(req.Method)
		s.writeRPC(w, resp)
		return
	}

	result, err := handler(r.Context(), req.Params)
	fields := []any{
		"method", req.Method,
		"request_id", middleware.GetReqID(r.Context()),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	}
	var badParams paramsError
	switch {
	case err == nil:
		resp.Result = result
		s.logger.Info("rpc request served", fields...)
	case errors.As(err, &badParams):
		resp.Error = invalidParams(badParams.err)
		s.logger.Warn("rpc request rejected", append(fields, "error", err)...)
	default:
		resp.Error = serviceError(err)
		s.logger.Warn("rpc request failed", append(fields, "error", err, "error_kind", core.ErrorKind(err))...)
	}
	s.writeRPC(w, resp)
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, resp)
}
