package host1x

import "github.com/ehrlich-b/go-host1x/internal/constants"

// Re-exported tunables, for callers that want to size their own
// DeviceParams relative to the driver's defaults without importing
// internal/constants directly.
const (
	GartApertureSize       = constants.GartApertureSize
	DefaultPushBufferWords = constants.DefaultPushBufferWords
	MaxSyncPoints          = constants.MaxSyncPoints
	MaxMLocks              = constants.MaxMLocks
	DefaultEntityTimeout   = constants.DefaultEntityTimeout

	SecurityLevelScatteredOnly     = constants.SecurityLevelScatteredOnly
	SecurityLevelWritableMandatory = constants.SecurityLevelWritableMandatory
	SecurityLevelReadOnlyBestEffort = constants.SecurityLevelReadOnlyBestEffort
	SecurityLevelReadOnlyMandatory  = constants.SecurityLevelReadOnlyMandatory
	SecurityLevelCanaryGaps         = constants.SecurityLevelCanaryGaps
	SecurityLevelNoWriteCombine     = constants.SecurityLevelNoWriteCombine
)
