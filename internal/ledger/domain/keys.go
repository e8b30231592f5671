package domain

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// AllocationKey is the key for an engine or writer line. generation is the
// number of reversals already recorded for the pair.
func AllocationKey(paymentID, invoiceID snowflake.ID, generation int64) string {
	if generation <= 0 {
		return fmt.Sprintf("p:%s-i:%s", paymentID, invoiceID)
	}
	return fmt.Sprintf("p:%s-i:%s-g:%d", paymentID, invoiceID, generation)
}

func ReversalKey(paymentID, invoiceID snowflake.ID, generation int64) string {
	return fmt.Sprintf("rev:p:%s-i:%s-g:%d", paymentID, invoiceID, generation)
}

func BackfillKey(paymentID, invoiceID snowflake.ID) string {
	return fmt.Sprintf("bf:p:%s-i:%s", paymentID, invoiceID)
}

func OrphanKey(paymentID, invoiceID snowflake.ID) string {
	return fmt.Sprintf("bf:orph:p:%s:i:%s", paymentID, invoiceID)
}

// CanaryBucket places a representative in the canary cohort when the FNV-1a
// hash of its decimal id, mod 100, is below percent.
func CanaryBucket(representativeID snowflake.ID, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(representativeID.Int64(), 10)))
	return int(h.Sum32()%100) < percent
}
