package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// DefaultFlushEvery is the number of buffered results that triggers an upload.
const DefaultFlushEvery = 100

// Store writes a job's results as rolling JSON-lines part objects, plus a
// summary file when the job finishes, to any afs location (file://, mem://,
// s3://, gs://). Each flush uploads only the lines buffered since the last
// one, so memory and upload size stay bounded by flushEvery.
//
// Layout:
//
//	<base>/<jobID>/results-00000.jsonl
//	<base>/<jobID>/results-00001.jsonl
//	<base>/<jobID>/summary.json
type Store struct {
	fs         afs.Service
	base       string
	flushEvery int

	mu      sync.Mutex
	buffers map[types.JobID]*jobBuffer
}

type jobBuffer struct {
	data    bytes.Buffer
	pending int
	part    int // next part number
}

// NewStore creates a Store rooted at base. A nil fs uses afs.New().
func NewStore(fs afs.Service, base string, flushEvery int) *Store {
	if fs == nil {
		fs = afs.New()
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Store{
		fs:         fs,
		base:       base,
		flushEvery: flushEvery,
		buffers:    make(map[types.JobID]*jobBuffer),
	}
}

// ResultsURL returns the location of one results part of a job.
func (s *Store) ResultsURL(jobID types.JobID, part int) string {
	return url.Join(s.base, string(jobID), fmt.Sprintf("results-%05d.jsonl", part))
}

// SummaryURL returns the summary file location of a job.
func (s *Store) SummaryURL(jobID types.JobID) string {
	return url.Join(s.base, string(jobID), "summary.json")
}

// Record implements Reporter.
func (s *Store) Record(ctx context.Context, r types.Result) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[r.JobID]
	if !ok {
		buf = &jobBuffer{}
		s.buffers[r.JobID] = buf
	}
	buf.data.Write(line)
	buf.data.WriteByte('\n')
	buf.pending++

	if buf.pending < s.flushEvery {
		return nil
	}
	return s.flushLocked(ctx, r.JobID, buf)
}

// Finish implements Finisher: flushes the remaining results, writes the
// summary and drops the job's buffer.
func (s *Store) Finish(ctx context.Context, report types.JobReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, ok := s.buffers[report.ID]; ok {
		if buf.pending > 0 {
			if err := s.flushLocked(ctx, report.ID, buf); err != nil {
				return err
			}
		}
		delete(s.buffers, report.ID)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := s.fs.Upload(ctx, s.SummaryURL(report.ID), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload summary %s: %w", report.ID, err)
	}
	return nil
}

// Buffered returns the number of results held for jobs not yet flushed.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, buf := range s.buffers {
		n += buf.pending
	}
	return n
}

// flushLocked uploads the buffered lines as the next part and resets the
// buffer. On failure the lines stay buffered for the next flush.
func (s *Store) flushLocked(ctx context.Context, jobID types.JobID, buf *jobBuffer) error {
	if err := s.fs.Upload(ctx, s.ResultsURL(jobID, buf.part), file.DefaultFileOsMode, bytes.NewReader(buf.data.Bytes())); err != nil {
		return fmt.Errorf("failed to upload results %s part %d: %w", jobID, buf.part, err)
	}
	buf.part++
	buf.pending = 0
	buf.data.Reset()
	return nil
}
