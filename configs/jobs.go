package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JobFile is the declarative job list read at startup.
//
//	jobs:
//	  - name: Sync
//	    group: etl
//	    command: ./sync.sh
//	    cron: "*/5 * * * *"
//	    depends_on:
//	      groups: [ingest]
//	    capture:
//	      - name: exits
//	        kinds: [exit]
type JobFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// JobSpec declares one job.
type JobSpec struct {
	Name          string        `yaml:"name"`
	Group         string        `yaml:"group"`
	Description   string        `yaml:"description"`
	Command       string        `yaml:"command"`
	Cron          string        `yaml:"cron"`
	Interval      time.Duration `yaml:"interval"`
	RepeatCount   int           `yaml:"repeat_count"`
	StartNow      bool          `yaml:"start_now"`
	Timeout       time.Duration `yaml:"timeout"`
	Interruptible bool          `yaml:"interruptible"`
	DependsOn     DependsOn     `yaml:"depends_on"`
	Capture       []CaptureSpec `yaml:"capture"`
}

// DependsOn lists job keys ("group.name") and groups.
type DependsOn struct {
	Jobs   []string `yaml:"jobs"`
	Groups []string `yaml:"groups"`
}

// CaptureSpec names the error kinds a logging handler is routed for.
type CaptureSpec struct {
	Name  string   `yaml:"name"`
	Kinds []string `yaml:"kinds"`
}

// LoadJobFile reads and validates a job file.
func LoadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return ParseJobFile(data)
}

// ParseJobFile decodes a job file, rejecting unknown fields.
func ParseJobFile(data []byte) (*JobFile, error) {
	var f JobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	seen := make(map[string]bool, len(f.Jobs))
	var errs []error
	for i, j := range f.Jobs {
		if j.Name == "" {
			errs = append(errs, fmt.Errorf("job %d: name is required", i))
			continue
		}
		if j.Command == "" {
			errs = append(errs, fmt.Errorf("job %s: command is required", j.Name))
		}
		if j.Cron != "" && j.Interval > 0 {
			errs = append(errs, fmt.Errorf("job %s: cron and interval are exclusive", j.Name))
		}
		key := j.Group + "." + j.Name
		if seen[key] {
			errs = append(errs, fmt.Errorf("job %s: declared twice", j.Name))
		}
		seen[key] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &f, nil
}
