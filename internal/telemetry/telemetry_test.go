package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"deplight/internal/deployment"
	"deplight/internal/history"
	"deplight/internal/model"
)

type event struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) BroadcastAll(name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{name, payload})
	return nil
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

type fixedActivity int64

func (p fixedActivity) Active() int64 { return int64(p) }

func TestMetricsActiveCount(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RunStarted(history.KindDeploy)
	m.RunStarted(history.KindRollback)
	if got := m.Active(); got != 2 {
		t.Fatalf("Active() = %d, want 2", got)
	}
	m.RunFinished(history.KindDeploy, history.StatusSuccess)
	if got := m.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}

// sumOf returns the value of the int64 sum name at the given attributes.
func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestMetricsRecordsRunCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RunStarted(history.KindDeploy)
	m.RunStarted(history.KindDeploy)
	m.RunStarted(history.KindRollback)
	m.RunFinished(history.KindDeploy, history.StatusSuccess)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	deploy := attribute.String("kind", "deploy")
	rollback := attribute.String("kind", "rollback")
	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"deplight.runs.started", []attribute.KeyValue{deploy}, 2},
		{"deplight.runs.started", []attribute.KeyValue{rollback}, 1},
		{"deplight.runs.finished", []attribute.KeyValue{deploy, attribute.String("status", "success")}, 1},
		{"deplight.runs.finished", []attribute.KeyValue{rollback, attribute.String("status", "success")}, 0},
		{"deplight.runs.active", []attribute.KeyValue{deploy}, 1},
		{"deplight.runs.active", []attribute.KeyValue{rollback}, 1},
	}
	for _, tt := range tests {
		if got := sumOf(t, rm, tt.name, tt.attrs...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.name, tt.attrs, got, tt.want)
		}
	}
}

func TestPrometheusProviderServesCounters(t *testing.T) {
	mp, handler, err := NewPrometheusProvider()
	if err != nil {
		t.Fatalf("NewPrometheusProvider() error = %v", err)
	}
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	m.RunStarted(history.KindWake)
	m.RunFinished(history.KindWake, history.StatusSuccess)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"deplight_runs_started_total", "deplight_runs_finished_total", `kind="wake"`, `status="success"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNewMetricsGlobalProvider(t *testing.T) {
	if _, err := NewMetrics(nil); err != nil {
		t.Fatalf("NewMetrics(nil) error = %v", err)
	}
}

func TestSampleRanges(t *testing.T) {
	tests := []struct {
		name           string
		source         ActivitySource
		cpuMin, cpuMax float64
		memMin, memMax float64
	}{
		{"idle", fixedActivity(0), 5, 10, 128, 148},
		{"no source", nil, 5, 10, 128, 148},
		{"deploying", fixedActivity(1), 30, 70, 256, 356},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTraffic(&recorder{}, tt.source, time.Second, 0, nil)
			for range 200 {
				s := tr.Sample()
				if s.CPU < tt.cpuMin || s.CPU > tt.cpuMax {
					t.Fatalf("cpu = %f, want [%f, %f]", s.CPU, tt.cpuMin, tt.cpuMax)
				}
				if s.Mem < tt.memMin || s.Mem > tt.memMax {
					t.Fatalf("mem = %f, want [%f, %f]", s.Mem, tt.memMin, tt.memMax)
				}
			}
		})
	}
}

func TestTickEmitsTrafficHit(t *testing.T) {
	out := &recorder{}
	tr := NewTraffic(out, nil, time.Second, 0.5, nil)
	tr.rand = func() float64 { return 0.1 }

	tr.Tick()

	got := out.all()
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].name != EventMetricsUpdate {
		t.Errorf("first event = %s", got[0].name)
	}
	hit, ok := got[1].payload.(deployment.LogEvent)
	if !ok || got[1].name != deployment.EventNewLog {
		t.Fatalf("second event = %+v", got[1])
	}
	if hit.ID != "" || hit.Log.Channel != model.ChannelTrafficHit {
		t.Errorf("hit = %+v, want global TRAFFIC_HIT", hit)
	}
}

func TestTickWithoutHit(t *testing.T) {
	out := &recorder{}
	tr := NewTraffic(out, nil, time.Second, 0.5, nil)
	tr.rand = func() float64 { return 0.9 }

	tr.Tick()

	if got := out.all(); len(got) != 1 {
		t.Errorf("events = %d, want only metrics-update", len(got))
	}
}

func TestRunStopsWithContext(t *testing.T) {
	out := &recorder{}
	tr := NewTraffic(out, nil, 5*time.Millisecond, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(out.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no tick before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
