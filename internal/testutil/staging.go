package testutil

import (
	"pdm-go/internal/pdm"
	"pdm-go/internal/staging"
)

// DefaultStagingMaxSize is the capacity of test staging areas (10MB).
const DefaultStagingMaxSize = 10 * 1024 * 1024

func NewTestStagingArea() pdm.StagingArea {
	return staging.NewMemoryStagingArea(DefaultStagingMaxSize)
}

func NewTestStagingAreaWithSize(maxSize int64) pdm.StagingArea {
	return staging.NewMemoryStagingArea(maxSize)
}
