package kernel

import (
	"os"
	"os/exec"
)

// DefaultBridgeCommand launches the kernel bridge process: a small Python
// module, shipped separately from this server, that speaks ZeroMQ to a
// real Jupyter kernel on one side and this server's newline-delimited JSON
// framing (pkg/wire) on the other. Exposed so cmd/notebookd can wire a
// real Lifecycle without every caller (and every test) needing to
// hand-construct an *exec.Cmd.
func DefaultBridgeCommand(pythonExe, workDir string, env []string) *exec.Cmd {
	cmd := exec.Command(pythonExe, "-m", "notebookd.bridge")
	cmd.Dir = workDir
	cmd.Env = env
	cmd.Stderr = os.Stderr
	return cmd
}
