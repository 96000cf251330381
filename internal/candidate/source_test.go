package candidate

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

func TestStaticCopies(t *testing.T) {
	s := Static{"a", "b"}
	got, err := s.Payloads(context.Background())
	require.NoError(t, err)
	got[0] = "changed"
	assert.Equal(t, "a", s[0])
}

func TestFilePayloads(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()

	tests := []struct {
		name    string
		url     string
		content string
		want    []string
	}{
		{
			name:    "plain lines",
			url:     "mem://localhost/payloads/plain.txt",
			content: "<script>alert(1)</script>\n\"><img src=x>\n",
			want:    []string{"<script>alert(1)</script>", "\"><img src=x>"},
		},
		{
			name:    "comments blanks and crlf",
			url:     "mem://localhost/payloads/mixed.txt",
			content: "# header\r\none\r\n\r\n   \ntwo",
			want:    []string{"one", "two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, fs.Upload(ctx, tt.url, file.DefaultFileOsMode, bytes.NewBufferString(tt.content)))
			got, err := NewFile(fs, tt.url).Payloads(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileMissing(t *testing.T) {
	_, err := NewFile(nil, "mem://localhost/payloads/none.txt").Payloads(context.Background())
	assert.Error(t, err)
}

func TestMergeDedupes(t *testing.T) {
	got, err := Merge(context.Background(), Static{"a", "b"}, Static{"b", "c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
