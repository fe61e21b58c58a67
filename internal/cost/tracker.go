// Package cost implements the router's cost tracker: per-call records
// plus the four aggregate roll-ups of spec section 4.7, queryable by
// provider, project, role, and time range.
package cost

import (
	"sort"
	"sync"
	"time"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Record is one completed call, as fed by the router after every
// dispatch attempt (successful or not).
type Record struct {
	Provider  string
	Model     string
	Role      string
	ProjectID string
	Input     int
	Output    int
	Cost      float64
	Latency   time.Duration
	Status    string
	Timestamp time.Time
}

func (r Record) validate() error {
	if r.Provider == "" || r.Model == "" {
		return errs.New(errs.Validation, "cost record requires provider and model")
	}
	if r.Input < 0 || r.Output < 0 {
		return errs.New(errs.Validation, "cost record token counts must be non-negative")
	}
	if r.Cost < 0 {
		return errs.New(errs.Validation, "cost record cost must be non-negative")
	}
	return nil
}

// bucket accumulates dollars and call count for one aggregation key.
type bucket struct {
	Cost  float64
	Calls int64
}

// GroupBy is the dimension GetCosts aggregates by.
type GroupBy string

const (
	GroupByNone     GroupBy = "none"
	GroupByProvider GroupBy = "provider"
	GroupByProject  GroupBy = "project"
	GroupByRole     GroupBy = "role"
)

// Filters narrows GetCosts / GetCallHistory to a subset of records.
type Filters struct {
	Provider  string
	ProjectID string
	Role      string
	StartDate time.Time
	EndDate   time.Time
}

func (f Filters) matches(r Record) bool {
	if f.Provider != "" && f.Provider != r.Provider {
		return false
	}
	if f.ProjectID != "" && f.ProjectID != r.ProjectID {
		return false
	}
	if f.Role != "" && f.Role != r.Role {
		return false
	}
	if !f.StartDate.IsZero() && r.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && r.Timestamp.After(f.EndDate) {
		return false
	}
	return true
}

// Costs is the result of GetCosts: a total plus an optional breakdown
// keyed by the requested GroupBy dimension.
type Costs struct {
	Total     float64
	Breakdown map[string]float64
}

// Summary is the result of GetSummary.
type Summary struct {
	Total         float64
	TotalCalls    int64
	AveragePerCall float64
	TopProviders  []NamedTotal
	TopProjects   []NamedTotal
	TopRoles      []NamedTotal
}

// NamedTotal is one entry of a top-N breakdown.
type NamedTotal struct {
	Name  string
	Cost  float64
	Calls int64
}

// Tracker holds the raw record log and four live aggregate roll-ups,
// all updated atomically with each record insertion under a single lock
// so a reader never observes a partially-applied record.
type Tracker struct {
	mu sync.RWMutex

	records []Record

	total bucket

	// byProvider[provider] totals that provider; byProviderModel further
	// nests by model.
	byProvider      map[string]*bucket
	byProviderModel map[string]map[string]*bucket

	byProject         map[string]*bucket
	byProjectProvider map[string]map[string]*bucket

	byRole         map[string]*bucket
	byRoleProvider map[string]map[string]*bucket
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byProvider:        make(map[string]*bucket),
		byProviderModel:   make(map[string]map[string]*bucket),
		byProject:         make(map[string]*bucket),
		byProjectProvider: make(map[string]map[string]*bucket),
		byRole:            make(map[string]*bucket),
		byRoleProvider:    make(map[string]map[string]*bucket),
	}
}

// Record validates and inserts one call, updating every aggregate.
func (t *Tracker) Record(r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, r)

	t.total.Cost += r.Cost
	t.total.Calls++

	addTo(t.byProvider, r.Provider, r.Cost)
	addNested(t.byProviderModel, r.Provider, r.Model, r.Cost)

	if r.ProjectID != "" {
		addTo(t.byProject, r.ProjectID, r.Cost)
		addNested(t.byProjectProvider, r.ProjectID, r.Provider, r.Cost)
	}
	if r.Role != "" {
		addTo(t.byRole, r.Role, r.Cost)
		addNested(t.byRoleProvider, r.Role, r.Provider, r.Cost)
	}
	return nil
}

func addTo(m map[string]*bucket, key string, cost float64) {
	b, ok := m[key]
	if !ok {
		b = &bucket{}
		m[key] = b
	}
	b.Cost += cost
	b.Calls++
}

func addNested(m map[string]map[string]*bucket, outer, inner string, cost float64) {
	nested, ok := m[outer]
	if !ok {
		nested = make(map[string]*bucket)
		m[outer] = nested
	}
	addTo(nested, inner, cost)
}

// GetCosts returns the total cost of records matching filters, and a
// flat breakdown keyed by groupBy's dimension when groupBy != none.
func (t *Tracker) GetCosts(filters Filters, groupBy GroupBy) Costs {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	breakdown := make(map[string]float64)
	for _, r := range t.records {
		if !filters.matches(r) {
			continue
		}
		total += r.Cost
		switch groupBy {
		case GroupByProvider:
			breakdown[r.Provider] += r.Cost
		case GroupByProject:
			breakdown[r.ProjectID] += r.Cost
		case GroupByRole:
			breakdown[r.Role] += r.Cost
		}
	}

	result := Costs{Total: total}
	if groupBy != GroupByNone {
		result.Breakdown = breakdown
	}
	return result
}

// GetCallHistory returns records matching filters, sorted by timestamp
// descending, paginated by limit/offset.
func (t *Tracker) GetCallHistory(filters Filters, limit, offset int) []Record {
	t.mu.RLock()
	matched := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if filters.matches(r) {
			matched = append(matched, r)
		}
	}
	t.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	if offset >= len(matched) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

const topN = 5

// GetSummary returns totals, per-call averages, and the top providers,
// projects, and roles by cost.
func (t *Tracker) GetSummary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{Total: t.total.Cost, TotalCalls: t.total.Calls}
	if t.total.Calls > 0 {
		s.AveragePerCall = t.total.Cost / float64(t.total.Calls)
	}
	s.TopProviders = topBuckets(t.byProvider)
	s.TopProjects = topBuckets(t.byProject)
	s.TopRoles = topBuckets(t.byRole)
	return s
}

func topBuckets(m map[string]*bucket) []NamedTotal {
	out := make([]NamedTotal, 0, len(m))
	for name, b := range m {
		out = append(out, NamedTotal{Name: name, Cost: b.Cost, Calls: b.Calls})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Export returns a serializable snapshot of the full record log matching
// filters, for offline analysis or backup.
func (t *Tracker) Export(filters Filters) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if filters.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears every record and aggregate.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = nil
	t.total = bucket{}
	t.byProvider = make(map[string]*bucket)
	t.byProviderModel = make(map[string]map[string]*bucket)
	t.byProject = make(map[string]*bucket)
	t.byProjectProvider = make(map[string]map[string]*bucket)
	t.byRole = make(map[string]*bucket)
	t.byRoleProvider = make(map[string]map[string]*bucket)
}
