// Package etcd keeps the success protocol state in etcd, for deployments
// that already run etcd and want run records visible fleet-wide.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

const (
	prefixJobs   = "/runs/jobs/"
	prefixGroups = "/runs/groups/"
)

// RunStore stores one key per job and mirrors the status under the group:
//
//	/runs/jobs/<job key>             RunRecord JSON
//	/runs/groups/<group>/<job key>   status
type RunStore struct {
	client *clientv3.Client
}

var _ storage.RunStore = (*RunStore)(nil)

// NewRunStore connects to the endpoints.
func NewRunStore(endpoints []string, dialTimeout time.Duration) (*RunStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &RunStore{client: cli}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(cli *clientv3.Client) *RunStore {
	return &RunStore{client: cli}
}

// Ping reads one key to check the cluster answers.
func (s *RunStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, prefixJobs, clientv3.WithCountOnly())
	return err
}

func (s *RunStore) Close() error {
	return s.client.Close()
}

func jobKeyPath(jobKey string) string { return prefixJobs + jobKey }

func groupPath(group string) string { return prefixGroups + group + "/" }

// RecordRun writes both keys in one transaction.
func (s *RunStore) RecordRun(ctx context.Context, rec *models.RunRecord) error {
	r := *rec
	r.UpdatedAt = time.Now()
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	ops := []clientv3.Op{clientv3.OpPut(jobKeyPath(r.JobKey), string(payload))}
	if r.Group != "" {
		ops = append(ops, clientv3.OpPut(path.Join(prefixGroups, r.Group, r.JobKey), string(r.Status)))
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, jobKey string) (*models.RunRecord, error) {
	resp, err := s.client.Get(ctx, jobKeyPath(jobKey))
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	var rec models.RunRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (s *RunStore) IsSuccessful(ctx context.Context, jobKey, _ string) (bool, error) {
	rec, err := s.GetRun(ctx, jobKey)
	if err != nil {
		return false, err
	}
	return rec.Successful(), nil
}

func (s *RunStore) GroupIsSuccessful(ctx context.Context, group string) (bool, error) {
	resp, err := s.client.Get(ctx, groupPath(group), clientv3.WithPrefix())
	if err != nil {
		return false, fmt.Errorf("failed to read group %s: %w", group, err)
	}
	if len(resp.Kvs) == 0 {
		return false, storage.ErrNotFound
	}
	for _, kv := range resp.Kvs {
		if models.RunStatus(kv.Value) != models.RunSuccess {
			return false, nil
		}
	}
	return true, nil
}
