package models

import "time"

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "em_execucao"
	StatusSuccess   ExecutionStatus = "sucesso"
	StatusPartial   ExecutionStatus = "sucesso_parcial"
	StatusError     ExecutionStatus = "erro"
	StatusCancelled ExecutionStatus = "cancelado"
)

// Terminal 是否为终态
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Trigger 执行来源
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// LogEntry 执行日志
type LogEntry struct {
	At      time.Time `json:"at" bson:"at"`
	Level   string    `json:"level" bson:"level"`
	Message string    `json:"message" bson:"message"`
}

// Execution 一次运行的状态机记录
type Execution struct {
	ID           string            `json:"id" bson:"_id"`
	ScheduleID   string            `json:"schedule_id,omitempty" bson:"schedule_id,omitempty"`
	PartnerID    string            `json:"partner_id" bson:"partner_id"`
	ProviderID   string            `json:"provider_id" bson:"provider_id"`
	ModelID      string            `json:"model_id" bson:"model_id"`
	ModelVersion int               `json:"model_version" bson:"model_version"`
	Trigger      Trigger           `json:"trigger" bson:"trigger"`
	Bindings     map[string]string `json:"bindings,omitempty" bson:"bindings,omitempty"`

	Status        ExecutionStatus `json:"status" bson:"status"`
	Progress      int             `json:"progress" bson:"progress"`
	Logs          []LogEntry      `json:"logs" bson:"logs"`
	Screenshots   []string        `json:"screenshots,omitempty" bson:"screenshots,omitempty"`
	RecordCount   int             `json:"record_count" bson:"record_count"`
	RejectedCount int             `json:"rejected_count" bson:"rejected_count"`
	ErrorKind     string          `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty" bson:"error_message,omitempty"`
	FailedStep    *int            `json:"failed_step,omitempty" bson:"failed_step,omitempty"`
	FailedPath    string          `json:"failed_path,omitempty" bson:"failed_path,omitempty"`

	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	// Audit 终态后仍允许写入的审计元数据
	Audit map[string]string `json:"audit,omitempty" bson:"audit,omitempty"`
}

// Outcome 执行结束时写入的结果
type Outcome struct {
	Status        ExecutionStatus
	RecordCount   int
	RejectedCount int
	ErrorKind     string
	ErrorMessage  string
	FailedStep    *int
	FailedPath    string
	Screenshots   []string
	Logs          []LogEntry
}
