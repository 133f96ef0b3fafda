// Command host1xctl drives a simulated host1x device from the command
// line: allocate a buffer, submit one job against it, wait for the
// out-fence, and print the resulting debug dump. It exists for manual
// exercising of the job pipeline without a real SoC attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	host1x "github.com/ehrlich-b/go-host1x"
	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/logging"
)

func main() {
	var (
		class      = flag.String("class", "gr2d", "Engine class to target: gr2d, gr3d, vic, nvdec, nvenc, host1x")
		gatherSize = flag.String("gather-size", "4K", "Size of the source BO holding gather words (e.g. 4K, 64K)")
		verbose    = flag.Bool("v", false, "Verbose output")
		timeout    = flag.Duration("timeout", 2*time.Second, "Out-fence wait timeout")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	engineClass, err := parseClass(*class)
	if err != nil {
		log.Fatalf("invalid -class %q: %v", *class, err)
	}

	size, err := parseSize(*gatherSize)
	if err != nil {
		log.Fatalf("invalid -gather-size %q: %v", *gatherSize, err)
	}

	params := host1x.DefaultParams()
	device, err := host1x.NewDevice(params, nil)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	cctx := device.NewContext()
	src, err := device.AllocBO(uint64(size), false)
	if err != nil {
		logger.Error("failed to allocate gather BO", "error", err)
		os.Exit(1)
	}

	desc := host1x.SubmitDescriptor{
		ContextID:    cctx.ID(),
		EngineClass:  uint16(engineClass),
		Gathers:      []abi.GatherDescriptor{{Handle: src, Offset: 0, Words: 0}},
		WantOutFence: true,
	}

	logger.Info("submitting job", "class", *class, "gather_size", formatSize(size))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := device.Submit(ctx, desc)
	if err != nil {
		logger.Error("submit failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("submitted: syncpoint=%d post_fence=%d out_fence=%d\n", res.SyncPointID, res.PostFenceValue, res.OutFenceHandle)

	if err := device.WaitFence(ctx, res.OutFenceHandle); err != nil {
		logger.Error("wait for out-fence failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("job completed")
	fmt.Println(device.Dump())

	snap := device.MetricsSnapshot()
	fmt.Printf("submitted=%d completed=%d rejected=%d recovered=%d\n",
		snap.JobsSubmitted, snap.JobsCompleted, snap.JobsRejected, snap.JobsRecovered)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	default:
	}
}

func parseClass(s string) (classes.ID, error) {
	switch strings.ToLower(s) {
	case "host1x":
		return classes.Host1x, nil
	case "gr2d":
		return classes.Gr2D, nil
	case "gr3d":
		return classes.Gr3D, nil
	case "vic":
		return classes.VIC, nil
	case "nvdec":
		return classes.NVDec, nil
	case "nvenc":
		return classes.NVEnc, nil
	default:
		return 0, fmt.Errorf("unrecognized engine class %q", s)
	}
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
