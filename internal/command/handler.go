// Package command implements the control-plane command channel: a
// JSON-RPC surface over Unix Domain Socket for task CRUD and the
// recovery-specific operator drills (checkpoint-complete, force
// fail-consumer, FSM state dump), grounded on the teacher's
// CommandHandler method-routing shape.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"firestige.xyz/streamrt/internal/config"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/task"
)

// ConfigReloader is implemented by the daemon so CommandHandler can
// forward config_reload without importing internal/daemon.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler routes JSON-RPC commands to the task manager.
type CommandHandler struct {
	taskManager  *task.Manager
	reloader     ConfigReloader
	shutdownFunc func()
	startTime    int64
}

// NewCommandHandler creates a handler bound to tm.
func NewCommandHandler(tm *task.Manager) *CommandHandler {
	return &CommandHandler{taskManager: tm, startTime: time.Now().Unix()}
}

// SetReloader registers the ConfigReloader invoked by config_reload.
func (h *CommandHandler) SetReloader(r ConfigReloader) { h.reloader = r }

// SetShutdownFunc registers the callback invoked by daemon_shutdown.
func (h *CommandHandler) SetShutdownFunc(fn func()) { h.shutdownFunc = fn }

// Command is one control plane request.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response is one control plane reply.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo mirrors JSON-RPC 2.0's error object.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 standard error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Handle dispatches cmd to its handler method by name.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{"method": cmd.Method, "id": cmd.ID}).Debug("handling command")

	switch cmd.Method {
	case "task_create":
		return h.handleTaskCreate(cmd)
	case "task_delete":
		return h.handleTaskDelete(cmd)
	case "task_list":
		return h.handleTaskList(cmd)
	case "task_status":
		return h.handleTaskStatus(cmd)
	case "checkpoint_complete":
		return h.handleCheckpointComplete(cmd)
	case "force_fail_consumer":
		return h.handleForceFailConsumer(cmd)
	case "recovery_state":
		return h.handleRecoveryState(cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	case "config_reload":
		return h.handleConfigReload(cmd)
	default:
		return errResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// TaskCreateParams are the parameters for task_create.
type TaskCreateParams struct {
	Config config.JobConfig `json:"config"`
}

func (h *CommandHandler) handleTaskCreate(cmd Command) Response {
	var params TaskCreateParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.taskManager.Create(params.Config); err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("create task failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": params.Config.ID, "status": "created"}}
}

// TaskDeleteParams are the parameters for task_delete.
type TaskDeleteParams struct {
	TaskID string `json:"task_id"`
}

func (h *CommandHandler) handleTaskDelete(cmd Command) Response {
	var params TaskDeleteParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.taskManager.Delete(params.TaskID); err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("delete task failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"task_id": params.TaskID, "status": "deleted"}}
}

func (h *CommandHandler) handleTaskList(cmd Command) Response {
	return Response{ID: cmd.ID, Result: map[string]interface{}{"tasks": h.taskManager.List()}}
}

// TaskStatusParams are the parameters for task_status.
type TaskStatusParams struct {
	TaskID string `json:"task_id,omitempty"`
}

func (h *CommandHandler) handleTaskStatus(cmd Command) Response {
	var params TaskStatusParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}

	if params.TaskID != "" {
		t, err := h.taskManager.Get(params.TaskID)
		if err != nil {
			return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("get task failed: %v", err))
		}
		return Response{ID: cmd.ID, Result: t.Status()}
	}
	return Response{ID: cmd.ID, Result: h.taskManager.Status()}
}

// CheckpointCompleteParams are the parameters for checkpoint_complete, a
// drill command forwarding a downstream checkpoint ack (§4.2) to one
// task's output in-flight log truncation.
type CheckpointCompleteParams struct {
	TaskID            string `json:"task_id"`
	NumBuffersRemoved uint32 `json:"num_buffers_removed"`
}

func (h *CommandHandler) handleCheckpointComplete(cmd Command) Response {
	var params CheckpointCompleteParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	t, err := h.taskManager.Get(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("get task failed: %v", err))
	}
	t.NotifyDownstreamCheckpointComplete(params.NumBuffersRemoved)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "truncated"}}
}

// ForceFailConsumerParams are the parameters for force_fail_consumer, a
// recovery drill command simulating a downstream failure (§4.3
// send_fail_consumer_trigger, §7 DownstreamFailed).
type ForceFailConsumerParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (h *CommandHandler) handleForceFailConsumer(cmd Command) Response {
	var params ForceFailConsumerParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	t, err := h.taskManager.Get(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("get task failed: %v", err))
	}
	t.ForceFailConsumer(fmt.Errorf("force_fail_consumer: %s", params.Reason))
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "downstream_failed"}}
}

// RecoveryStateParams are the parameters for recovery_state.
type RecoveryStateParams struct {
	TaskID string `json:"task_id"`
}

func (h *CommandHandler) handleRecoveryState(cmd Command) Response {
	var params RecoveryStateParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	t, err := h.taskManager.Get(params.TaskID)
	if err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("get task failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"state": t.RecoveryManager().State().String()}}
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}
	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.reloader == nil {
		return errResponse(cmd.ID, ErrCodeInternalError, "reloader not registered")
	}
	if err := h.reloader.Reload(); err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	tasks := h.taskManager.List()
	uptime := time.Now().Unix() - h.startTime
	return Response{ID: cmd.ID, Result: map[string]interface{}{
		"uptime_sec": uptime,
		"tasks":      tasks,
		"task_count": len(tasks),
	}}
}
