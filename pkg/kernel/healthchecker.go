package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/notebookd/pkg/health"
)

// KernelInfoChecker implements health.Checker by round-tripping a
// kernel_info_request/reply through the wire protocol and measuring its
// latency — the only liveness signal that distinguishes a responsive
// kernel from a wedged-but-running process.
type KernelInfoChecker struct {
	handle  *Handle
	timeout time.Duration
}

// NewKernelInfoChecker builds a health.Checker bound to one kernel handle.
func NewKernelInfoChecker(h *Handle, timeout time.Duration) *KernelInfoChecker {
	return &KernelInfoChecker{handle: h, timeout: timeout}
}

func (c *KernelInfoChecker) Type() health.CheckType {
	return health.CheckTypeKernelInfo
}

func (c *KernelInfoChecker) Check(ctx context.Context) health.Result {
	start := time.Now()

	if exited, message := c.handle.Exited(); exited {
		return health.Result{
			Healthy:   false,
			Message:   fmt.Sprintf("kernel process exited: %s", message),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if err := c.handle.Conn.KernelInfo(); err != nil {
		return health.Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to send kernel_info_request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	latency, ok := c.handle.AwaitKernelInfoReply(start, c.timeout)
	if !ok {
		return health.Result{
			Healthy:   false,
			Message:   fmt.Sprintf("kernel_info_reply not received within %s", c.timeout),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return health.Result{
		Healthy:   true,
		Message:   fmt.Sprintf("kernel_info round trip in %s", latency),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
