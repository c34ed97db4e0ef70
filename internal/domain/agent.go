package domain

import "time"

// ExecutionStatus tracks an agent execution, phase, or subagent run.
type ExecutionStatus string

const (
	// ExecRunning means the execution is in progress.
	ExecRunning ExecutionStatus = "running"
	// ExecCompleted means the execution finished normally.
	ExecCompleted ExecutionStatus = "completed"
	// ExecError means the execution failed.
	ExecError ExecutionStatus = "error"
	// ExecCancelled means the execution was aborted.
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status is final.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecRunning
}

// ExecutionPhase is one node of a multi-step agent run.
type ExecutionPhase struct {
	Name      string          `json:"name"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

// SubagentExecution is a nested agent run spawned by the main execution.
type SubagentExecution struct {
	Name      string          `json:"name"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

// AgentExecution tracks a multi-phase agent run attached to a message.
type AgentExecution struct {
	Status    ExecutionStatus     `json:"status"`
	Phases    []ExecutionPhase    `json:"phases,omitempty"`
	Subagents []SubagentExecution `json:"subagents,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Finalize moves the execution and every still-running phase and subagent
// to the given terminal status.
func (e *AgentExecution) Finalize(status ExecutionStatus, at time.Time) {
	if e.Status == ExecRunning {
		e.Status = status
		e.EndedAt = at
	}
	for i := range e.Phases {
		if e.Phases[i].Status == ExecRunning {
			e.Phases[i].Status = status
			e.Phases[i].EndedAt = at
		}
	}
	for i := range e.Subagents {
		if e.Subagents[i].Status == ExecRunning {
			e.Subagents[i].Status = status
			e.Subagents[i].EndedAt = at
		}
	}
}

// Phase returns the phase with the given name, or nil.
func (e *AgentExecution) Phase(name string) *ExecutionPhase {
	for i := range e.Phases {
		if e.Phases[i].Name == name {
			return &e.Phases[i]
		}
	}
	return nil
}

// Subagent returns the subagent with the given name, or nil.
func (e *AgentExecution) Subagent(name string) *SubagentExecution {
	for i := range e.Subagents {
		if e.Subagents[i].Name == name {
			return &e.Subagents[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the execution.
func (e *AgentExecution) Clone() *AgentExecution {
	cp := *e
	if e.Phases != nil {
		cp.Phases = append([]ExecutionPhase(nil), e.Phases...)
	}
	if e.Subagents != nil {
		cp.Subagents = append([]SubagentExecution(nil), e.Subagents...)
	}
	return &cp
}

// ToolCallStatus tracks a tool invocation attached to a message.
type ToolCallStatus string

const (
	// ToolWaitingConfirmation means the call is blocked on an explicit
	// user confirm or cancel.
	ToolWaitingConfirmation ToolCallStatus = "waiting_confirmation"
	// ToolRunning means the call is executing.
	ToolRunning ToolCallStatus = "running"
	// ToolCompleted means the call finished and has a result.
	ToolCompleted ToolCallStatus = "completed"
	// ToolCancelled means the user or an abort cancelled the call.
	ToolCancelled ToolCallStatus = "cancelled"
)

// ToolCall is a tool invocation record on a message.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   string         `json:"args,omitempty"`
	Status ToolCallStatus `json:"status"`
	Result string         `json:"result,omitempty"`
}
