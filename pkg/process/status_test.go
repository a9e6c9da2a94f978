package process

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindie/ms-controller/pkg/types"
)

func TestWriteThenRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "process_status.json")
	w := NewWriter(path)

	live := []*types.NodeInfo{
		{ID: 1, IP: "10.0.0.1", Peers: []uint64{2}, CurrentRole: types.RolePrefill},
		{ID: 2, IP: "10.0.0.2", Peers: []uint64{1}, CurrentRole: types.RoleDecode},
	}
	require.NoError(t, w.Write(live, nil, 3))

	doc, err := Read(path, false)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Server, 2)
	assert.Equal(t, uint64(3), doc.InstanceStartIDNumber)
}

func TestRead_MissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	doc, err := Read(filepath.Join(dir, "absent.json"), false)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestRead_RejectsLoosePermissionsWhenStrict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "process_status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":[],"instance_start_id_number":0}`), 0644))

	_, err := Read(path, true)
	assert.Error(t, err)
}

func TestWrite_PreservesProcessedSwitchFaultsAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "process_status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":[],"instance_start_id_number":0,"processed_switch_faults":{"node-1":"stale"}}`), 0640))

	w := NewWriter(path)
	require.NoError(t, w.Write(nil, nil, 1))

	doc, err := Read(path, false)
	require.NoError(t, err)
	require.NotNil(t, doc.ProcessedSwitchFaults)
}

func TestWrite_NeverLeavesPartialFile(t *testing.T) {
	// P7: readers must only ever see a pre-image or post-image, never a
	// partial write, because the final step is an atomic rename.
	dir := t.TempDir()
	path := filepath.Join(dir, "process_status.json")
	w := NewWriter(path)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			nodes := []*types.NodeInfo{{ID: uint64(n), IP: "10.0.0.1"}}
			_ = w.Write(nodes, nil, uint64(n))
		}(i)
	}
	wg.Wait()

	doc, err := Read(path, false)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Server, 1, "each write fully replaces the prior document, never a partial merge")
}

func TestFaultHistory_RecordAndGet(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenFaultHistory(dir)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Record(42, "announcing", "5xx from worker", types.RoleDecode))
	require.NoError(t, h.Record(42, "waitingReady", "timeout", types.RoleDecode))

	rec, err := h.Get(42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "waitingReady", rec.LastStage)

	require.NoError(t, h.Clear(42))
	rec, err = h.Get(42)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
