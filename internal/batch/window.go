package batch

import (
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// partition splits a page into the ids that may be sent now and the
// earliest time a held-back recipient enters its send window.
func (p *Processor) partition(b *domain.Batch, page []domain.Message) ([]string, *time.Time) {
	ids := make([]string, 0, len(page))
	if !b.HasSendWindow() {
		for _, m := range page {
			ids = append(ids, m.ID)
		}
		return ids, nil
	}

	now := p.now()
	var earliest *time.Time
	for _, m := range page {
		loc := recipientLocation(b, &m)
		if InWindow(now.In(loc), *b.SendWindowStart, *b.SendWindowEnd) {
			ids = append(ids, m.ID)
			continue
		}
		next := NextWindowStart(now, loc, *b.SendWindowStart).UTC()
		if earliest == nil || next.Before(*earliest) {
			earliest = &next
		}
	}
	return ids, earliest
}

// InWindow reports whether the local hour of t is in [start, end). A window
// with start > end wraps past midnight.
func InWindow(t time.Time, start, end int) bool {
	hour := t.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// NextWindowStart returns the next instant after now at which the clock in
// loc reads start:00.
func NextWindowStart(now time.Time, loc *time.Location, start int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), start, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, start, 0, 0, 0, loc)
	}
	return next
}

// recipientLocation is the recipient's own zone when the batch respects
// timezones, else the batch zone. Unknown zones fall back to UTC.
func recipientLocation(b *domain.Batch, m *domain.Message) *time.Location {
	name := b.Timezone
	if b.RespectTimezone && m.RecipientTimezone != "" {
		name = m.RecipientTimezone
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
