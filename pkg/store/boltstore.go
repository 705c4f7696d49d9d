package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/notebookd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueue  = []byte("execution_queue")
	bucketLeases = []byte("asset_leases")
)

// BoltStore implements Store using go.etcd.io/bbolt: one bucket per
// entity, JSON payloads, every status transition committed in a single
// db.Update transaction.
type BoltStore struct {
	db      *bolt.DB
	descDir string
}

// NewBoltStore opens (creating if absent) a bbolt-backed store under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "notebookd.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketQueue, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dataDir, sessionDescriptorSubdir), 0o755); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, descDir: dataDir}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func newTaskID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Enqueue inserts a pending task row, generating a task id when none is
// supplied. Re-enqueuing an existing task id overwrites atomically.
func (s *BoltStore) Enqueue(notebookPath string, cellIndex int, code string, taskID string) (string, error) {
	if taskID == "" {
		taskID = newTaskID()
	}

	task := &types.Task{
		ID:           taskID,
		NotebookPath: notebookPath,
		CellIndex:    cellIndex,
		Code:         code,
		Status:       types.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), data)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return taskID, nil
}

// PendingTasks returns pending rows ordered by created_at ascending,
// optionally scoped to one notebook.
func (s *BoltStore) PendingTasks(notebookPath string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status != types.TaskPending {
				return nil
			}
			if notebookPath != "" && task.NotebookPath != notebookPath {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *BoltStore) getTaskTx(tx *bolt.Tx, taskID string) (*types.Task, error) {
	b := tx.Bucket(bucketQueue)
	data := b.Get([]byte(taskID))
	if data == nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) putTaskTx(tx *bolt.Tx, task *types.Task) error {
	b := tx.Bucket(bucketQueue)
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}

// GetTask returns a single task by id.
func (s *BoltStore) GetTask(taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := s.getTaskTx(tx, taskID)
		task = t
		return err
	})
	return task, err
}

// MarkRunning atomically transitions a task to running and records
// started_at.
func (s *BoltStore) MarkRunning(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskRunning
		task.StartedAt = time.Now().UTC()
		return s.putTaskTx(tx, task)
	})
}

// MarkComplete atomically marks a task completed.
func (s *BoltStore) MarkComplete(taskID string, outputs []types.Output, executionCount int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskCompleted
		task.CompletedAt = time.Now().UTC()
		if outputs != nil {
			task.Outputs = outputs
		}
		if executionCount > 0 {
			task.ExecutionCount = executionCount
		}
		return s.putTaskTx(tx, task)
	})
}

// MarkFailed atomically marks a task failed.
func (s *BoltStore) MarkFailed(taskID string, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskFailed
		task.CompletedAt = time.Now().UTC()
		task.ErrorMessage = errMsg
		return s.putTaskTx(tx, task)
	})
}

// MarkTimeout atomically marks a task timed out.
func (s *BoltStore) MarkTimeout(taskID string, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskTimeout
		task.CompletedAt = time.Now().UTC()
		task.ErrorMessage = errMsg
		return s.putTaskTx(tx, task)
	})
}

// CancelTask marks a task cancelled with an explanatory reason.
func (s *BoltStore) CancelTask(taskID, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskCancelled
		task.CompletedAt = time.Now().UTC()
		task.ErrorMessage = reason
		return s.putTaskTx(tx, task)
	})
}

// RenewLease upserts an asset lease.
func (s *BoltStore) RenewLease(assetPath, notebookPath string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)

		lease := &types.AssetLease{
			AssetPath:    assetPath,
			NotebookPath: notebookPath,
			LastSeen:     now,
			LeaseExpires: now.Add(ttl),
			CreatedAt:    now,
		}
		if existing := b.Get([]byte(assetPath)); existing != nil {
			var prev types.AssetLease
			if err := json.Unmarshal(existing, &prev); err == nil {
				lease.CreatedAt = prev.CreatedAt
			}
		}

		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(assetPath), data)
	})
}

// ExpiredAssets selects leases past their expiry.
func (s *BoltStore) ExpiredAssets() ([]*types.AssetLease, error) {
	now := time.Now().UTC()
	var leases []*types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.LeaseExpires.Before(now) {
				leases = append(leases, &lease)
			}
			return nil
		})
	})
	return leases, err
}

// DeleteLease removes a lease record.
func (s *BoltStore) DeleteLease(assetPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(assetPath))
	})
}

// CleanupCompleted deletes terminal-status rows older than age.
func (s *BoltStore) CleanupCompleted(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	var toDelete [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status.Terminal() && task.CompletedAt.Before(cutoff) {
				key := append([]byte(nil), k...)
				toDelete = append(toDelete, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}
