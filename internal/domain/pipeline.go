package domain

import (
	"encoding/json"
	"time"
)

// StageName identifies one step of the scan pipeline.
type StageName string

const (
	StageRecon       StageName = "recon"
	StageEnumeration StageName = "enumeration"
	StageVulnScan    StageName = "vuln_scan"
	StageReporting   StageName = "reporting"
)

// Stages lists the pipeline steps in execution order.
var Stages = []StageName{StageRecon, StageEnumeration, StageVulnScan, StageReporting}

// StageStatus is the state of one stage within a pipeline run.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Finished reports whether the stage will not run again.
func (s StageStatus) Finished() bool {
	return s == StageDone || s == StageFailed || s == StageSkipped
}

// ScanStatus is the overall state of a pipeline run.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// PipelineRun is the persisted state of one scan through all stages.
type PipelineRun struct {
	ScanID    string                    `json:"scan_id"`
	Target    string                    `json:"target"`
	Status    ScanStatus                `json:"status"`
	Stages    map[StageName]StageStatus `json:"stages"`
	Counters  map[string]int            `json:"counters"`
	Report    string                    `json:"report,omitempty"`
	Error     string                    `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// StageRecord is the stored result of a single stage. Output is the stage's
// structured payload as emitted on its completion event.
type StageRecord struct {
	ScanID   string          `json:"scan_id"`
	Stage    StageName       `json:"stage"`
	Status   StageStatus     `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Counters map[string]int  `json:"counters,omitempty"`
	Error    string          `json:"error,omitempty"`
}
