package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/forge-cluster/forge/internal/types"
)

var (
	bucketNodes       = []byte("nodes")
	bucketTasks       = []byte("tasks")
	bucketTaskEvents  = []byte("task_events")
	bucketWorkflows   = []byte("workflows")
)

// BoltStore is the BoltDB-backed Store, one bucket per entity type with
// JSON-marshaled values keyed by entity ID, mirroring the teacher's
// pkg/storage/boltdb.go pattern.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) forge.db under dataDir and
// ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "forge.db")
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketTasks, bucketTaskEvents, bucketWorkflows} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func putJSON(tx *bbolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// --- Nodes ---

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return putJSON(tx, bucketNodes, n.ID, n) })
}

func (s *BoltStore) UpdateNode(n *types.Node) error { return s.CreateNode(n) }

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("store: node %s not found", id)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return tx.Bucket(bucketNodes).Delete([]byte(id)) })
}

// --- Tasks ---

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return putJSON(tx, bucketTasks, t.ID, t) })
}

func (s *BoltStore) UpdateTask(t *types.Task) error { return s.CreateTask(t) }

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("store: task %s not found", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListTasksByState(state types.TaskState) ([]*types.Task, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) ListTasksByWorkflow(workflowID string) ([]*types.Task, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return tx.Bucket(bucketTasks).Delete([]byte(id)) })
}

// --- Task events ---

func (s *BoltStore) AppendTaskEvent(e *types.TaskEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketTaskEvents, e.TaskID+"/"+e.ID, e)
	})
}

func (s *BoltStore) ListTaskEvents(taskID string) ([]*types.TaskEvent, error) {
	var out []*types.TaskEvent
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e types.TaskEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Workflows ---

func (s *BoltStore) CreateWorkflow(w *types.Workflow) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return putJSON(tx, bucketWorkflows, w.ID, w) })
}

func (s *BoltStore) UpdateWorkflow(w *types.Workflow) error { return s.CreateWorkflow(w) }

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var w types.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("store: workflow %s not found", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var out []*types.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var w types.Workflow
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteWorkflow(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return tx.Bucket(bucketWorkflows).Delete([]byte(id)) })
}
