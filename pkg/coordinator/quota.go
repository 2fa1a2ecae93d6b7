package coordinator

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// QuotaSnapshot is the owner's usage against the configured limits. It is
// computed from manifest rows on demand and never stored.
type QuotaSnapshot struct {
	UsedBytes   int64   `json:"used_bytes"`
	ItemCount   int     `json:"item_count"`
	MaxBytes    int64   `json:"max_bytes"`
	MaxItems    int     `json:"max_items"`
	PercentUsed float64 `json:"percent_used"`
}

func newQuotaSnapshot(usedBytes int64, itemCount int, maxBytes int64, maxItems int) QuotaSnapshot {
	q := QuotaSnapshot{
		UsedBytes: usedBytes,
		ItemCount: itemCount,
		MaxBytes:  maxBytes,
		MaxItems:  maxItems,
	}
	if maxBytes > 0 {
		q.PercentUsed = min(max(float64(usedBytes)/float64(maxBytes)*100, 0), 100)
	}
	return q
}

// Remaining returns the bytes left before MaxBytes (0 when full or unlimited).
func (q QuotaSnapshot) Remaining() int64 {
	if q.MaxBytes <= 0 || q.UsedBytes >= q.MaxBytes {
		return 0
	}
	return q.MaxBytes - q.UsedBytes
}

// String renders the snapshot for logs and status replies, e.g.
// "5.0 MiB of 100 MiB (5%), 2/100 items".
func (q QuotaSnapshot) String() string {
	return fmt.Sprintf("%s of %s (%.0f%%), %d/%d items",
		humanize.IBytes(uint64(max(q.UsedBytes, 0))),
		humanize.IBytes(uint64(max(q.MaxBytes, 0))),
		q.PercentUsed, q.ItemCount, q.MaxItems)
}

// admits reports whether adding one item of size bytes stays within limits.
func (q QuotaSnapshot) admits(size int64) bool {
	if q.MaxBytes > 0 && q.UsedBytes+size > q.MaxBytes {
		return false
	}
	if q.MaxItems > 0 && q.ItemCount+1 > q.MaxItems {
		return false
	}
	return true
}
