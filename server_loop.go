package sipua

import (
	"strings"
	"sync"
	"time"

	"github.com/travelping/sipua/sip"
)

// loopDetector implements RFC 3261 8.2.2.2: two requests loop iff they
// agree on Call-ID, To, From, CSeq and Request-URI but differ in the
// topmost Via branch. Entries age out after the transaction absorption
// window.
type loopDetector struct {
	mu      sync.Mutex
	entries map[string]loopEntry
	maxAge  time.Duration
	maxSize int
}

type loopEntry struct {
	branch string
	seen   time.Time
}

func newLoopDetector() *loopDetector {
	return &loopDetector{
		entries: make(map[string]loopEntry),
		maxAge:  32 * time.Second,
		maxSize: 4096,
	}
}

// check records the request and reports whether it loops against an
// earlier one.
func (d *loopDetector) check(req *sip.Request) bool {
	via := req.Via()
	if via == nil {
		return false
	}
	branch := via.Branch()
	key := loopKey(req)
	if key == "" {
		return false
	}

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok && now.Sub(entry.seen) < d.maxAge {
		if entry.branch != branch {
			return true
		}
		// Same branch is a retransmission, not a loop
		return false
	}

	if len(d.entries) >= d.maxSize {
		d.evict(now)
	}
	d.entries[key] = loopEntry{branch: branch, seen: now}
	return false
}

func (d *loopDetector) evict(now time.Time) {
	for k, e := range d.entries {
		if now.Sub(e.seen) >= d.maxAge {
			delete(d.entries, k)
		}
	}
	// Still full means heavy load; drop arbitrary entries rather than grow
	for k := range d.entries {
		if len(d.entries) < d.maxSize {
			break
		}
		delete(d.entries, k)
	}
}

func loopKey(req *sip.Request) string {
	callID := req.CallID()
	to := req.To()
	from := req.From()
	cseq := req.CSeq()
	if callID == nil || to == nil || from == nil || cseq == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(string(*callID))
	b.WriteString("|")
	b.WriteString(to.Value())
	b.WriteString("|")
	b.WriteString(from.Value())
	b.WriteString("|")
	b.WriteString(cseq.Value())
	b.WriteString("|")
	req.Recipient.StringWrite(&b)
	return b.String()
}
