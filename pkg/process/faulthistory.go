package process

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mindie/ms-controller/pkg/types"
)

var (
	bucketSwitchFaults = []byte("switch_faults")
)

// FaultRecord is one persisted role-switch failure, kept so operators
// can audit why a node was excluded from publishing after exhausting
// maxSwitchAttempts (spec §4.E, §7).
type FaultRecord struct {
	NodeID     uint64     `json:"node_id"`
	Attempts   int        `json:"attempts"`
	LastStage  string     `json:"last_stage"`
	LastReason string     `json:"last_reason"`
	LastAt     time.Time  `json:"last_at"`
	TargetRole types.Role `json:"target_role"`
}

// FaultHistory is the bbolt-backed side-store for switch-fault history.
// It is independent of the Process Status File's processed_switch_faults
// field, which Writer copies verbatim from the file already on disk.
type FaultHistory struct {
	db *bolt.DB
}

// OpenFaultHistory opens (creating if needed) the bbolt database
// switch_faults.db inside dataDir.
func OpenFaultHistory(dataDir string) (*FaultHistory, error) {
	dbPath := filepath.Join(dataDir, "switch_faults.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open fault history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSwitchFaults)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &FaultHistory{db: db}, nil
}

// Close closes the underlying database.
func (h *FaultHistory) Close() error {
	return h.db.Close()
}

func faultKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// Record upserts a fault record for a node, incrementing Attempts.
func (h *FaultHistory) Record(id uint64, stage, reason string, targetRole types.Role) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwitchFaults)

		rec := FaultRecord{NodeID: id, TargetRole: targetRole}
		if existing := b.Get(faultKey(id)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("unmarshal existing fault record: %w", err)
			}
		}

		rec.Attempts++
		rec.LastStage = stage
		rec.LastReason = reason
		rec.LastAt = time.Now()
		rec.TargetRole = targetRole

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(faultKey(id), data)
	})
}

// Get returns the fault record for a node, if any.
func (h *FaultHistory) Get(id uint64) (*FaultRecord, error) {
	var rec *FaultRecord
	err := h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwitchFaults)
		data := b.Get(faultKey(id))
		if data == nil {
			return nil
		}
		var r FaultRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// Clear removes a node's fault record, used once a human operator
// resolves the underlying issue and re-admits the node.
func (h *FaultHistory) Clear(id uint64) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSwitchFaults).Delete(faultKey(id))
	})
}
