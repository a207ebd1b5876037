package ops

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

var startTime = time.Now()

// UptimeOp reports process uptime, Go version, and goroutine count.
type UptimeOp struct{}

func (s *UptimeOp) Name() string        { return "uptime" }
func (s *UptimeOp) Description() string { return "Show bot uptime" }

func (s *UptimeOp) Execute(_ context.Context, _ string) (string, error) {
	uptime := time.Since(startTime).Truncate(time.Second)
	return fmt.Sprintf("Uptime: %s\nGo: %s\nGoroutines: %d",
		uptime, runtime.Version(), runtime.NumGoroutine()), nil
}

// VersionOp reports the build version.
type VersionOp struct {
	Version string
}

func (v *VersionOp) Name() string        { return "version" }
func (v *VersionOp) Description() string { return "Show bot version" }

func (v *VersionOp) Execute(_ context.Context, _ string) (string, error) {
	return "telebots " + v.Version, nil
}
