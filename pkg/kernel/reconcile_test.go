package kernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/notebookd/pkg/store"
	"github.com/cuemby/notebookd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unusedPID returns a PID extremely unlikely to be alive: the kernel's PID
// space on Linux defaults to well under this value.
const unusedPID = 1 << 22

func writeConnectionFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "kernel.json")
	data := `{"shell_port": 5001, "iopub_port": 5002, "stdin_port": 5003, "control_port": 5004, "hb_port": 5005, "ip": "127.0.0.1", "key": "k", "transport": "tcp", "signature_scheme": "hmac-sha256", "kernel_name": "python3"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestIsZombieDeadServer(t *testing.T) {
	connFile := writeConnectionFile(t, t.TempDir())
	desc := &types.SessionDescriptor{
		NotebookPath:   "/nb/A.ipynb",
		ConnectionFile: connFile,
		KernelPID:      os.Getpid(),
		ServerPID:      unusedPID,
	}
	assert.True(t, isZombie(desc))
}

func TestIsZombieLiveServerMissingConnectionFile(t *testing.T) {
	desc := &types.SessionDescriptor{
		NotebookPath:   "/nb/A.ipynb",
		ConnectionFile: filepath.Join(t.TempDir(), "does-not-exist.json"),
		KernelPID:      os.Getpid(),
		ServerPID:      os.Getpid(),
	}
	assert.True(t, isZombie(desc))
}

func TestIsZombieFalseForLiveOwner(t *testing.T) {
	connFile := writeConnectionFile(t, t.TempDir())
	desc := &types.SessionDescriptor{
		NotebookPath:   "/nb/A.ipynb",
		ConnectionFile: connFile,
		KernelPID:      os.Getpid(),
		ServerPID:      os.Getpid(),
	}
	assert.False(t, isZombie(desc))
}

// TestReconcileNeverClassifiesOtherLiveServersAsZombies is the fratricide
// guard: descriptors owned by a different live server must come back in the
// live set, never the zombie set.
func TestReconcileNeverClassifiesOtherLiveServersAsZombies(t *testing.T) {
	dataDir := t.TempDir()
	st, err := store.NewBoltStore(dataDir)
	require.NoError(t, err)
	defer st.Close()

	connFile := writeConnectionFile(t, dataDir)
	// PID 1 is always alive; it stands in for the concurrently running
	// server instance B must not touch.
	alive := &types.SessionDescriptor{
		NotebookPath:   "/nb/other-server.ipynb",
		ConnectionFile: connFile,
		KernelPID:      os.Getpid(),
		ServerPID:      1,
		CreatedAt:      time.Now().UTC(),
	}
	dead := &types.SessionDescriptor{
		NotebookPath:   "/nb/dead-server.ipynb",
		ConnectionFile: connFile,
		KernelPID:      unusedPID,
		ServerPID:      unusedPID,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.SaveSessionDescriptor(alive))
	require.NoError(t, st.SaveSessionDescriptor(dead))

	live, zombies, err := Reconcile(st)
	require.NoError(t, err)

	require.Len(t, live, 1)
	assert.Equal(t, "/nb/other-server.ipynb", live[0].NotebookPath)
	require.Len(t, zombies, 1)
	assert.Equal(t, "/nb/dead-server.ipynb", zombies[0].NotebookPath)
}
