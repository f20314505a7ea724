package evaluation

import (
	"crypto/sha256"
	"encoding/binary"
)

// Sample implements §4.5's deterministic sampling: the same request_id
// always yields the same inclusion decision for a given sampling_rate, so
// reruns and replays see identical sampling. Grounded on pkg/cluster's
// sha256-based fingerprinting (no sampling library appears anywhere in
// the retrieval pack).
func Sample(requestID string, samplingRate float64) bool {
	if samplingRate >= 1 {
		return true
	}
	if samplingRate <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(requestID))
	bucket := float64(binary.BigEndian.Uint32(sum[:4])) / float64(^uint32(0))
	return bucket < samplingRate
}
