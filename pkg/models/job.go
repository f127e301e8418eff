package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultGroup is the group assigned to jobs registered without one.
const DefaultGroup = "DEFAULT"

// JobDescriptor is the immutable identity of a registered job.
type JobDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Group       string `json:"group" yaml:"group"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// NewJobDescriptor builds a descriptor, defaulting the group.
func NewJobDescriptor(name, group string) JobDescriptor {
	if group == "" {
		group = DefaultGroup
	}
	return JobDescriptor{Name: name, Group: group}
}

// Key returns the composite key "group.name".
func (d JobDescriptor) Key() string {
	group := d.Group
	if group == "" {
		group = DefaultGroup
	}
	return group + "." + d.Name
}

func (d JobDescriptor) String() string {
	return d.Key()
}

// ParseJobKey splits "group.name" back into a descriptor at the last dot,
// so dotted groups survive. A key without a separator is treated as a name
// in the default group.
func ParseJobKey(key string) JobDescriptor {
	if i := strings.LastIndex(key, "."); i > 0 {
		return JobDescriptor{Group: key[:i], Name: key[i+1:]}
	}
	return NewJobDescriptor(key, "")
}

// Dependencies lists the prerequisites a job declares.
type Dependencies struct {
	Jobs   []JobDescriptor `json:"jobs,omitempty"`
	Groups []string        `json:"groups,omitempty"`
}

// Empty reports whether nothing is declared.
func (d Dependencies) Empty() bool {
	return len(d.Jobs) == 0 && len(d.Groups) == 0
}

// Schedule holds the per-job trigger parameters handed to the scheduler.
// Exactly one of Cron or Interval is expected to be set.
type Schedule struct {
	Cron        string        `json:"cron,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	RepeatCount int           `json:"repeat_count"` // -1 repeats forever
	StartNow    bool          `json:"start_now"`
}

// IsZero reports whether no trigger is configured.
func (s Schedule) IsZero() bool {
	return s.Cron == "" && s.Interval <= 0
}

// Trigger is a fired schedule, transported from the scheduler to an executor.
type Trigger struct {
	ID          uuid.UUID `json:"id"`
	JobName     string    `json:"job_name"`
	JobGroup    string    `json:"job_group"`
	ScheduledAt time.Time `json:"scheduled_at"`
	FiredAt     time.Time `json:"fired_at"`
	Manual      bool      `json:"manual"`
}

// NewTrigger creates a trigger for the given job fired now.
func NewTrigger(d JobDescriptor, scheduledAt time.Time, manual bool) *Trigger {
	return &Trigger{
		ID:          uuid.New(),
		JobName:     d.Name,
		JobGroup:    d.Group,
		ScheduledAt: scheduledAt,
		FiredAt:     time.Now(),
		Manual:      manual,
	}
}

// JobKey returns the composite key of the triggered job.
func (t *Trigger) JobKey() string {
	return NewJobDescriptor(t.JobName, t.JobGroup).Key()
}
