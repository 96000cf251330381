package cli

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/probe-swarm/internal/candidate"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// JobFile is the submit format: a job spec plus optional payload files.
//
//	target: http://app.local/search
//	injection_points:
//	  - {name: q, kind: url_param}
//	payloads: ["<script>alert(1)</script>"]
//	payload_files: [file:///usr/share/payloads/xss.txt]
type JobFile struct {
	types.JobSpec `yaml:",inline"`
	PayloadFiles  []string `yaml:"payload_files"`
}

// loadJob reads a job file from any afs URL and merges its payload files.
func loadJob(ctx context.Context, fs afs.Service, location string) (types.JobSpec, error) {
	location = url.Normalize(location, file.Scheme)
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		return types.JobSpec{}, fmt.Errorf("failed to read job file %s: %w", location, err)
	}

	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return types.JobSpec{}, fmt.Errorf("failed to parse job file %s: %w", location, err)
	}
	if len(jf.PayloadFiles) == 0 {
		return jf.JobSpec, nil
	}

	sources := []candidate.Source{candidate.Static(jf.Payloads)}
	for _, u := range jf.PayloadFiles {
		sources = append(sources, candidate.NewFile(fs, url.Normalize(u, file.Scheme)))
	}
	payloads, err := candidate.Merge(ctx, sources...)
	if err != nil {
		return types.JobSpec{}, err
	}
	spec := jf.JobSpec
	spec.Payloads = payloads
	return spec, nil
}
