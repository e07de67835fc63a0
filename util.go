package brpc

import (
	"time"

	"github.com/pborman/uuid"
)

func gettimeofdayUs() int64 {
	return time.Now().UnixMicro()
}

func absTime(us int64) time.Time {
	return time.UnixMicro(us)
}

// NewTraceID returns a random id usable as log_id/trace correlation for
// callers that don't have one of their own.
func NewTraceID() string {
	return uuid.NewRandom().String()
}
