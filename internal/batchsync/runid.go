package batchsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// newRunID builds "<domain>_<YYYYMMDD_HHMMSS>_<offset|manual>_<suffix>".
// The suffix comes from the run's unique key so two runs started in the
// same second never collide.
func newRunID(domain string, mode Mode, offset int, at time.Time, key string) string {
	marker := "manual"
	if mode == ModeScan {
		marker = strconv.Itoa(offset)
	}

	suffix := strings.ReplaceAll(key, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}

	return fmt.Sprintf("%s_%s_%s_%s", domain, at.Format("20060102_150405"), marker, suffix)
}
