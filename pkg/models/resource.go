package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Samples is the ordered heap-usage sample sequence of one invocation.
// JSONB structures need to implement Scanner/Valuer for GORM.
type Samples []int64

func (s *Samples) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*s = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(raw, s)
}

func (s Samples) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]int64{})
	}
	return json.Marshal([]int64(s))
}

// TaskResourceInfo is the resource snapshot of a single invocation, produced
// once when monitoring stops.
type TaskResourceInfo struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	JobKey           string    `json:"job_key" gorm:"not null;index"`
	TaskName         string    `json:"task_name" gorm:"not null"`
	InvocationID     string    `json:"invocation_id" gorm:"type:varchar(64);index"`
	ElapsedMillis    int64     `json:"elapsed_millis"`
	CPUNanos         int64     `json:"cpu_nanos"`
	MemoryDeltaBytes int64     `json:"memory_delta_bytes"`
	PeakMemoryBytes  int64     `json:"peak_memory_bytes"`
	Samples          Samples   `json:"samples,omitempty" gorm:"type:jsonb"`
	SampleCount      int       `json:"sample_count"`
	SamplesURI       string    `json:"samples_uri,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers cannot mutate a published snapshot.
func (t TaskResourceInfo) Clone() TaskResourceInfo {
	if t.Samples != nil {
		t.Samples = append(Samples(nil), t.Samples...)
	}
	return t
}

func (t TaskResourceInfo) String() string {
	return fmt.Sprintf("TaskResourceInfo{task=%q elapsed=%dms cpu=%dns memDelta=%d peak=%d samples=%d}",
		t.TaskName, t.ElapsedMillis, t.CPUNanos, t.MemoryDeltaBytes, t.PeakMemoryBytes, t.SampleCount)
}

// RunStatus is the terminal state recorded for a job key.
type RunStatus string

const (
	RunSuccess     RunStatus = "SUCCESS"
	RunFailed      RunStatus = "FAILED"
	RunInterrupted RunStatus = "INTERRUPTED"
)

// RunRecord is the latest completion state of a job, read by the dependency
// gate of every job that depends on it.
type RunRecord struct {
	JobKey       string    `json:"job_key" gorm:"primaryKey"`
	TaskName     string    `json:"task_name" gorm:"not null"`
	Group        string    `json:"group" gorm:"column:job_group;not null;index"`
	Status       RunStatus `json:"status" gorm:"type:varchar(20);not null"`
	InvocationID string    `json:"invocation_id" gorm:"type:varchar(64)"`
	FinishedAt   time.Time `json:"finished_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Successful reports whether the record marks a successful run.
func (r *RunRecord) Successful() bool {
	return r != nil && r.Status == RunSuccess
}
