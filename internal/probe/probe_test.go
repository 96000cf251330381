package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// echoServer reflects every query value, form value, header X-Probe and
// the request path into the body.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("safe") != "" {
			io.WriteString(w, "<html>nothing to see</html>")
			return
		}
		_ = r.ParseForm()
		var b strings.Builder
		b.WriteString("<html><body>")
		b.WriteString(r.Method + " " + r.URL.Path)
		for _, vs := range r.Form {
			for _, v := range vs {
				b.WriteString(" " + v)
			}
		}
		b.WriteString(" " + r.Header.Get("X-Probe"))
		b.WriteString(" ua=" + r.UserAgent())
		b.WriteString("</body></html>")
		io.WriteString(w, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPExecutorInjectionPoints(t *testing.T) {
	srv := echoServer(t)
	exec := NewHTTPExecutor(HTTPConfig{UserAgent: "probe-test"})
	payload := "<script>alert(1)</script>"

	tests := []struct {
		name   string
		target string
		point  types.InjectionPoint
		want   types.OutcomeKind
	}{
		{"url param reflected", srv.URL + "/search", types.InjectionPoint{Name: "q", Kind: types.PointURLParam}, types.OutcomeSuccess},
		{"form reflected", srv.URL + "/login", types.InjectionPoint{Name: "user", Kind: types.PointForm}, types.OutcomeSuccess},
		{"header reflected", srv.URL, types.InjectionPoint{Name: "X-Probe", Kind: types.PointHeader}, types.OutcomeSuccess},
		{"path placeholder", srv.URL + "/items/{id}", types.InjectionPoint{Name: "id", Kind: types.PointPath}, types.OutcomeSuccess},
		{"not reflected", srv.URL + "/?safe=1", types.InjectionPoint{Name: "q", Kind: types.PointURLParam}, types.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := exec.Execute(context.Background(), tt.target, tt.point, payload)
			require.NoError(t, out.Err)
			assert.Equal(t, tt.want, out.Kind)
			if tt.want == types.OutcomeSuccess {
				assert.Contains(t, string(out.Evidence), payload)
				assert.LessOrEqual(t, len(out.Evidence), EvidenceWindow)
			}
			assert.Greater(t, out.Latency, time.Duration(0))
		})
	}
}

func TestHTTPExecutorFormUsesPost(t *testing.T) {
	srv := echoServer(t)
	exec := NewHTTPExecutor(HTTPConfig{})
	out := exec.Execute(context.Background(), srv.URL+"/f", types.InjectionPoint{Name: "a", Kind: types.PointForm}, "zzz")
	require.Equal(t, types.OutcomeSuccess, out.Kind)
	assert.Contains(t, string(out.Evidence), "POST /f")
	assert.Contains(t, string(out.Evidence), "ua="+DefaultUserAgent)
}

func TestHTTPExecutorTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	out := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), target, types.InjectionPoint{Name: "q"}, "x")
	assert.Equal(t, types.OutcomeError, out.Kind)
	assert.Error(t, out.Err)
}

func TestHTTPExecutorUnsupportedKind(t *testing.T) {
	out := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), "http://127.0.0.1", types.InjectionPoint{Name: "q", Kind: "cookie"}, "x")
	assert.Equal(t, types.OutcomeError, out.Kind)
}

func TestReflection(t *testing.T) {
	long := strings.Repeat("a", 2000) + "PAYLOAD" + strings.Repeat("b", 2000)

	tests := []struct {
		name    string
		body    string
		payload string
		ok      bool
		wantLen int
	}{
		{"short body", "xxPAYLOADxx", "PAYLOAD", true, 11},
		{"long body windowed", long, "PAYLOAD", true, EvidenceWindow},
		{"at start", "PAYLOAD" + strings.Repeat("c", 1000), "PAYLOAD", true, EvidenceWindow},
		{"at end", strings.Repeat("c", 1000) + "PAYLOAD", "PAYLOAD", true, EvidenceWindow},
		{"missing", "nothing", "PAYLOAD", false, 0},
		{"empty payload", "anything", "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Reflection([]byte(tt.body), tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, ev, tt.wantLen)
			if ok {
				assert.Contains(t, string(ev), tt.payload)
			}
		})
	}
}

func TestRunClassifiesOutcomes(t *testing.T) {
	item := &types.WorkItem{ID: "job/0", Target: "t", Payload: "p"}

	tests := []struct {
		name string
		exec Executor
		want types.OutcomeKind
	}{
		{
			name: "success passes through",
			exec: Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
				return Outcome{Kind: types.OutcomeSuccess}
			}),
			want: types.OutcomeSuccess,
		},
		{
			name: "panic becomes error",
			exec: Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
				panic("boom")
			}),
			want: types.OutcomeError,
		},
		{
			name: "returned error becomes error",
			exec: Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
				return Outcome{Kind: types.OutcomeFailure, Err: errors.New("io")}
			}),
			want: types.OutcomeError,
		},
		{
			name: "empty outcome becomes error",
			exec: Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
				return Outcome{}
			}),
			want: types.OutcomeError,
		},
		{
			name: "deadline becomes timeout",
			exec: Func(func(ctx context.Context, _ string, _ types.InjectionPoint, _ string) Outcome {
				<-ctx.Done()
				return Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
			}),
			want: types.OutcomeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Run(context.Background(), tt.exec, item, 50*time.Millisecond)
			assert.Equal(t, tt.want, out.Kind)
			if tt.want == types.OutcomeError {
				var execErr *ExecutionError
				require.ErrorAs(t, out.Err, &execErr)
				assert.Equal(t, item.ID, execErr.ItemID)
			}
		})
	}
}

func TestRunPanicWrapsErrPanic(t *testing.T) {
	exec := Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
		panic("boom")
	})
	out := Run(context.Background(), exec, &types.WorkItem{ID: "j/1"}, time.Second)
	assert.ErrorIs(t, out.Err, ErrPanic)
}

func TestRunItemTimeoutOverridesDefault(t *testing.T) {
	exec := Func(func(ctx context.Context, _ string, _ types.InjectionPoint, _ string) Outcome {
		select {
		case <-ctx.Done():
			return Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
		case <-time.After(100 * time.Millisecond):
			return Outcome{Kind: types.OutcomeFailure}
		}
	})
	item := &types.WorkItem{ID: "j/2", Timeout: 10 * time.Millisecond}
	out := Run(context.Background(), exec, item, time.Second)
	assert.Equal(t, types.OutcomeTimeout, out.Kind)
}

func TestRunReturnsAtDeadlineWhenExecutorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := Func(func(context.Context, string, types.InjectionPoint, string) Outcome {
		select {
		case <-release:
		case <-time.After(500 * time.Millisecond):
		}
		return Outcome{Kind: types.OutcomeFailure}
	})

	tests := []struct {
		name     string
		parent   func() (context.Context, context.CancelFunc)
		wantKind types.OutcomeKind
	}{
		{
			name:     "item deadline",
			parent:   func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			wantKind: types.OutcomeTimeout,
		},
		{
			name: "parent cancelled",
			parent: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			wantKind: types.OutcomeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.parent()
			defer cancel()

			start := time.Now()
			out := Run(ctx, exec, &types.WorkItem{ID: "j/3"}, 20*time.Millisecond)
			assert.Less(t, time.Since(start), 200*time.Millisecond)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Error(t, out.Err)
		})
	}
}

func TestDryRun(t *testing.T) {
	d := DryRun{}
	out := d.Execute(context.Background(), "t", types.InjectionPoint{Name: "q", Reflected: true}, "p")
	assert.Equal(t, types.OutcomeSuccess, out.Kind)
	assert.Equal(t, []byte("p"), out.Evidence)

	out = d.Execute(context.Background(), "t", types.InjectionPoint{Name: "q"}, "p")
	assert.Equal(t, types.OutcomeFailure, out.Kind)
}

func TestNewSelectsImplementation(t *testing.T) {
	assert.IsType(t, DryRun{}, New(Config{Kind: "dry-run"}))
	assert.IsType(t, &HTTPExecutor{}, New(Config{Kind: "http"}))
	assert.IsType(t, &HTTPExecutor{}, New(Config{}))
}
