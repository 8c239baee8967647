package domain

import "sync"

// ProcessedIDs remembers record ids an after-phase rule has already acted on,
// so writes it performs do not trigger it again for the same records.
type ProcessedIDs struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewProcessedIDs returns an empty set.
func NewProcessedIDs() *ProcessedIDs {
	return &ProcessedIDs{ids: make(map[string]struct{})}
}

// Add marks ids as processed.
func (p *ProcessedIDs) Add(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids == nil {
		p.ids = make(map[string]struct{})
	}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
}

// Remove forgets ids, so a claim whose work failed can be retried.
func (p *ProcessedIDs) Remove(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.ids, id)
	}
}

// Has reports whether id was processed.
func (p *ProcessedIDs) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// Claim returns the records not yet processed and marks them processed.
func (p *ProcessedIDs) Claim(records []*Record) []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids == nil {
		p.ids = make(map[string]struct{})
	}
	var fresh []*Record
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, seen := p.ids[rec.ID]; seen {
			continue
		}
		p.ids[rec.ID] = struct{}{}
		fresh = append(fresh, rec)
	}
	return fresh
}

// Len returns the number of processed ids.
func (p *ProcessedIDs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// Reset forgets every processed id.
func (p *ProcessedIDs) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = make(map[string]struct{})
}
