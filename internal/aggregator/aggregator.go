// Package aggregator records terminal results exactly once per work item and
// keeps per-job outcome counters, findings and latency figures.
//
// An Aggregator is owned by the coordinator loop and is not safe for
// concurrent use.
package aggregator

import (
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Summary is the aggregated view of one job.
type Summary struct {
	Recorded   int
	ByOutcome  map[types.OutcomeKind]int
	Findings   int
	AvgLatency time.Duration
	FirstAt    time.Time
	LastAt     time.Time
}

// Rate returns recorded results per second between the first and last record.
func (s Summary) Rate() float64 {
	span := s.LastAt.Sub(s.FirstAt).Seconds()
	if s.Recorded < 2 || span <= 0 {
		return 0
	}
	return float64(s.Recorded-1) / span
}

type jobAgg struct {
	seen       map[types.ItemID]types.OutcomeKind
	byOutcome  map[types.OutcomeKind]int
	findings   []types.Result
	latencySum time.Duration
	recorded   int
	firstAt    time.Time
	lastAt     time.Time
	evicted    bool
}

// Aggregator deduplicates results by work item id.
type Aggregator struct {
	jobs map[types.JobID]*jobAgg
	now  func() time.Time
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{jobs: make(map[types.JobID]*jobAgg), now: time.Now}
}

func (a *Aggregator) job(id types.JobID) *jobAgg {
	j, ok := a.jobs[id]
	if !ok {
		j = &jobAgg{
			seen:      make(map[types.ItemID]types.OutcomeKind),
			byOutcome: make(map[types.OutcomeKind]int),
		}
		a.jobs[id] = j
	}
	return j
}

// Record stores a terminal result. It returns false when a result for the
// same work item was already recorded, or the job was evicted.
func (a *Aggregator) Record(r types.Result) bool {
	j := a.job(r.JobID)
	if j.evicted {
		return false
	}
	if _, dup := j.seen[r.ItemID]; dup {
		return false
	}
	j.seen[r.ItemID] = r.Outcome
	j.byOutcome[r.Outcome]++
	j.recorded++
	j.latencySum += r.Latency

	now := a.now()
	if j.firstAt.IsZero() {
		j.firstAt = now
	}
	j.lastAt = now

	if r.Outcome == types.OutcomeSuccess {
		f := r
		f.Evidence = append([]byte(nil), r.Evidence...)
		j.findings = append(j.findings, f)
	}
	return true
}

// Seen reports whether a result for item was recorded.
func (a *Aggregator) Seen(jobID types.JobID, item types.ItemID) bool {
	j, ok := a.jobs[jobID]
	if !ok {
		return false
	}
	_, seen := j.seen[item]
	return seen
}

// Summary returns the aggregated view of a job.
func (a *Aggregator) Summary(jobID types.JobID) Summary {
	j, ok := a.jobs[jobID]
	if !ok {
		return Summary{ByOutcome: map[types.OutcomeKind]int{}}
	}
	s := Summary{
		Recorded:  j.recorded,
		ByOutcome: make(map[types.OutcomeKind]int, len(j.byOutcome)),
		Findings:  len(j.findings),
		FirstAt:   j.firstAt,
		LastAt:    j.lastAt,
	}
	for k, v := range j.byOutcome {
		s.ByOutcome[k] = v
	}
	if j.recorded > 0 {
		s.AvgLatency = j.latencySum / time.Duration(j.recorded)
	}
	return s
}

// Findings returns the successful results of a job in arrival order.
func (a *Aggregator) Findings(jobID types.JobID) []types.Result {
	j, ok := a.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]types.Result, len(j.findings))
	copy(out, j.findings)
	return out
}

// Evict drops the dedup set of an archived job. Counters and findings stay.
func (a *Aggregator) Evict(jobID types.JobID) {
	j := a.job(jobID)
	j.seen = nil
	j.evicted = true
}

// Restore seeds a job from persisted state: the outcome of every terminal
// item plus the findings. Latency figures are not persisted and start over.
func (a *Aggregator) Restore(jobID types.JobID, seen map[types.ItemID]types.OutcomeKind, findings []types.Result) {
	j := a.job(jobID)
	for id, kind := range seen {
		if _, dup := j.seen[id]; dup {
			continue
		}
		j.seen[id] = kind
		j.byOutcome[kind]++
		j.recorded++
	}
	j.findings = append(j.findings, findings...)
}
