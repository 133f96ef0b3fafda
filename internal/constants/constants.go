// Package constants holds tunables shared across the job pipeline.
package constants

import "time"

// Aperture and channel sizing.
const (
	// GartApertureSize is the size in bytes of the simulated GART I/O
	// virtual address range.
	GartApertureSize = 32 << 20

	// SmallBOThreshold is the size below which a BO is treated as
	// "small" by the high-placement allocation heuristic.
	SmallBOThreshold = 512 << 10

	// DefaultIOMMUPageSize is used when no IOMMU page size is supplied.
	DefaultIOMMUPageSize = 4096

	// DefaultPushBufferWords is the default push buffer ring size.
	DefaultPushBufferWords = 16 * 1024

	// PushBufferAlignBytes is the hardware granularity push buffers are
	// aligned to.
	PushBufferAlignBytes = 16

	// MaxSyncPoints is the number of hardware sync point counters.
	MaxSyncPoints = 192

	// MaxMLocks is the number of global hardware locks.
	MaxMLocks = 16

	// StatusWordSyncPoints is how many sync points one interrupt status
	// word covers.
	StatusWordSyncPoints = 32
)

// Security levels modulate which BO categories are mandatory versus
// best-effort when mapping a job into the GART.
const (
	SecurityLevelScatteredOnly = iota
	SecurityLevelWritableMandatory
	SecurityLevelReadOnlyBestEffort
	SecurityLevelReadOnlyMandatory
	SecurityLevelCanaryGaps
	SecurityLevelNoWriteCombine
	SecurityLevelMax = SecurityLevelNoWriteCombine
)

// CanaryGapBytes is the gap left between mappings at
// SecurityLevelCanaryGaps and above.
const CanaryGapBytes = 4096

// Timeouts.
const (
	// DefaultEntityTimeout is how long the scheduler waits for a job's
	// out-fence to signal before declaring the channel hung.
	DefaultEntityTimeout = 600 * time.Millisecond

	// RecoveryPollInterval bounds how often the recovery watchdog
	// rechecks a hung fence against the race where the fence signals
	// just as the timeout fires.
	RecoveryPollInterval = 5 * time.Millisecond
)
