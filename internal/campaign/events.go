package campaign

import "time"

// Event types emitted on Config.EventChan.
const (
	EventStageStarted    = "stage_started"
	EventStageSucceeded  = "stage_succeeded"
	EventStageFailed     = "stage_failed"
	EventStageSkipped    = "stage_skipped"
	EventCampaignAborted = "campaign_aborted"
	EventWarning         = "warning"
)

// Event reports progress during a run.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	StageID   string    `json:"stage_id,omitempty"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
}

func (r *run) emit(eventType, stageID, message string, data any) {
	if r.o.cfg.EventChan == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     r.id,
		StageID:   stageID,
		Message:   message,
		Data:      data,
	}
	select {
	case r.o.cfg.EventChan <- ev:
	default:
		// Channel full, skip
	}
}
