// Package candidate supplies the candidate inputs (payloads) of a job.
package candidate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/viant/afs"
)

// Source produces the payload list of a job.
type Source interface {
	Payloads(ctx context.Context) ([]string, error)
}

// Static is a fixed payload list.
type Static []string

// Payloads implements Source.
func (s Static) Payloads(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// File reads newline-delimited payloads from any afs URL
// (file://, mem://, s3://, gs://, ...). Blank lines and lines starting
// with '#' are skipped.
type File struct {
	fs  afs.Service
	URL string
}

// NewFile creates a file source reading URL through fs. A nil fs uses afs.New().
func NewFile(fs afs.Service, URL string) *File {
	if fs == nil {
		fs = afs.New()
	}
	return &File{fs: fs, URL: URL}
}

// Payloads implements Source.
func (f *File) Payloads(ctx context.Context) ([]string, error) {
	data, err := f.fs.DownloadWithURL(ctx, f.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download payloads %s: %w", f.URL, err)
	}

	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse payloads %s: %w", f.URL, err)
	}
	return out, nil
}

// Merge concatenates several sources, dropping exact duplicates while
// keeping first-seen order.
func Merge(ctx context.Context, sources ...Source) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, src := range sources {
		payloads, err := src.Payloads(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range payloads {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
