package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names a campaign lifecycle event recorded in the audit trail.
type AuditEventType string

const (
	AuditCampaignStart    AuditEventType = "campaign_start"
	AuditCampaignComplete AuditEventType = "campaign_complete"
	AuditCampaignAbort    AuditEventType = "campaign_abort"

	AuditStageStart   AuditEventType = "stage_start"
	AuditStageSucceed AuditEventType = "stage_succeed"
	AuditStageFail    AuditEventType = "stage_fail"
	AuditStageSkip    AuditEventType = "stage_skip"

	AuditArtifactWrite AuditEventType = "artifact_write"
	AuditArtifactDedup AuditEventType = "artifact_dedup"
)

// AuditEvent is one JSON line of the audit trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	StageID    string                 `json:"stage,omitempty"`
	ArtifactID string                 `json:"artifact,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events scoped to a campaign run.
type AuditLogger struct {
	runID string
}

// InitAudit opens the audit trail file. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// AuditRun returns an audit logger scoped to one campaign run.
func AuditRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// Stage records a stage lifecycle transition.
func (a *AuditLogger) Stage(eventType AuditEventType, stageID string, success bool, dur time.Duration, errMsg string) {
	a.Log(AuditEvent{
		EventType:  eventType,
		StageID:    stageID,
		Success:    success,
		DurationMs: dur.Milliseconds(),
		Error:      errMsg,
	})
}
