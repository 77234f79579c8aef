package common

import (
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags duplicate the log tags, extended with extra tags
func (c Component) CopyLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// DurationFromMS convert a millisecond count from config into a time.Duration
func DurationFromMS(ms int) time.Duration {
	return time.Millisecond * time.Duration(ms)
}
