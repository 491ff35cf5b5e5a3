package listener

import (
	"regexp"
	"sort"
	"strings"
)

// RawLog is one provider log after ABI decoding, before it becomes a domain
// event. Providers have shipped the transaction hash in three different
// shapes over time; extraction tries them in a fixed order.
type RawLog struct {
	TxHash string                 // top-level field, may be empty or zeroed
	Args   map[string]interface{} // decoded event arguments
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

const zeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ExtractTxHash recovers the emitting transaction hash from a raw log.
// Strategies, in order: the top-level field, a nested log wrapper, then a
// scan of decoded arguments for a 32-byte hex value. Returns false when none
// succeed; such an event cannot be deduplicated or correlated, so the
// caller must drop it.
func ExtractTxHash(raw RawLog) (string, bool) {
	if h, ok := validHash(raw.TxHash); ok {
		return h, true
	}

	// Some providers wrap payloads one level deeper: {"log": {"transactionHash": ...}}
	if wrapper, ok := raw.Args["log"].(map[string]interface{}); ok {
		for _, field := range []string{"transactionHash", "txHash", "transaction_hash"} {
			if s, ok := wrapper[field].(string); ok {
				if h, ok := validHash(s); ok {
					return h, true
				}
			}
		}
	}

	// Last resort: any argument that looks like a 32-byte hex value.
	// Deterministic order so replays extract the same hash.
	keys := make([]string, 0, len(raw.Args))
	for k := range raw.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := raw.Args[k].(string); ok {
			if h, ok := validHash(s); ok {
				return h, true
			}
		}
	}

	return "", false
}

func validHash(s string) (string, bool) {
	if !txHashPattern.MatchString(s) {
		return "", false
	}
	h := strings.ToLower(s)
	if h == zeroHash {
		return "", false
	}
	return h, true
}
