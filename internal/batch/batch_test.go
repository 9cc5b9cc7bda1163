package batch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/slamfeed/internal/chunk"
	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/memory"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/reader"
	"github.com/banshee-data/slamfeed/internal/sensors"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/testutil"
)

func source(s *sensors.Sensor, r reader.Reader) chunk.Source {
	return chunk.Source{Sensor: s, Open: func() (reader.Reader, error) { return r, nil }}
}

// start runs the chunk and batch factories over sources.
func start(ctx context.Context, cfg Config, sources ...chunk.Source) *Factory {
	cf := chunk.NewFactory(chunk.Config{ChunkCap: cfg.ChunkCap, QueueDepth: 2, Stop: stopping.New()}, sources)
	bf := NewFactory(cfg)
	go func() { _ = cf.Run(ctx) }()
	go func() { _ = bf.Run(ctx, cf.Streams()) }()
	return bf
}

func collect(t *testing.T, f *Factory) []*Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []*Batch
	for {
		b, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func flatten(batches []*Batch) []element.Element {
	var out []element.Element
	for _, b := range batches {
		out = append(out, b.Elements()...)
	}
	return out
}

func TestBatch_AddAndCap(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	b := New(0, 300, nil)

	require.NoError(t, b.Add(testutil.ElemSized(imu, 1, 100)))
	require.NoError(t, b.Add(testutil.ElemSized(imu, 2, 150)))
	assert.False(t, b.Full())

	err := b.Add(testutil.ElemSized(imu, 3, 100))
	assert.ErrorIs(t, err, ErrBatchFull, "would exceed the cap")
	require.NoError(t, b.Add(testutil.ElemSized(imu, 3, 50)))
	assert.True(t, b.Full())
	assert.ErrorIs(t, b.Add(testutil.ElemSized(imu, 4, 8)), ErrBatchFull, "full batches take nothing")

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int64(300), b.Size())
	first, last, ok := b.Bounds()
	require.True(t, ok)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(3), last)
}

func TestBatch_SortIsStableAndIdempotent(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)
	b := New(0, 1<<20, nil)
	for _, el := range []element.Element{
		testutil.Elem(gps, 30), testutil.Elem(imu, 10, 1), testutil.Elem(gps, 10),
		testutil.Elem(imu, 10, 2), testutil.Elem(imu, 20),
	} {
		require.NoError(t, b.Add(el))
	}
	assert.False(t, b.Sorted())

	b.Sort()
	want := []string{"imu@10", "imu@10", "gps@10", "imu@20", "gps@30"}
	assert.Equal(t, want, testutil.Labels(b.Elements()))
	assert.Equal(t, []float64{1}, b.Elements()[0].Measurement().Values(), "equal keys keep insertion order")

	once := append([]element.Element(nil), b.Elements()...)
	b.Sort()
	assert.True(t, b.Sorted())
	if diff := cmp.Diff(testutil.Labels(once), testutil.Labels(b.Elements())); diff != "" {
		t.Errorf("second sort changed order (-first +second):\n%s", diff)
	}
	assert.Equal(t, once[1].Measurement().Values(), b.Elements()[1].Measurement().Values())
}

func TestPriority(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)
	lidarB := testutil.MustSensor(t, "lidar_b", sensors.KindLidar3D)
	lidarA := testutil.MustSensor(t, "lidar_a", sensors.KindLidar3D)
	known := []*sensors.Sensor{lidarB, gps, imu, lidarA}

	p, err := NewPriority([]string{"gps"}, known)
	require.NoError(t, err)
	assert.Equal(t, []string{"gps", "imu", "lidar_a", "lidar_b"}, p.Order())
	assert.Less(t, p.Rank(gps), p.Rank(imu))
	assert.Less(t, p.Rank(lidarA), p.Rank(lidarB))

	stranger := testutil.MustSensor(t, "stranger", sensors.KindIMU)
	assert.Greater(t, p.Rank(stranger), p.Rank(lidarB), "unknown sensors rank last")

	_, err = NewPriority([]string{"radar"}, known)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	_, err = NewPriority([]string{"gps", "gps"}, known)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func gnssAndIMU(t *testing.T) (gps, imu *sensors.Sensor, sources func() []chunk.Source) {
	gps = testutil.MustSensor(t, "gps", sensors.KindGPS)
	imu = testutil.MustSensor(t, "imu", sensors.KindIMU)
	sources = func() []chunk.Source {
		var g, i []element.Element
		for k := 0; k < 2; k++ {
			g = append(g, testutil.Elem(gps, int64(k)*testutil.Second, 37.5, 127, 30))
		}
		for k := 0; k < 20; k++ {
			i = append(i, testutil.Elem(imu, int64(k)*testutil.Second/10, 0, 0, 0, 0, 0, 9.81))
		}
		return []chunk.Source{source(gps, testutil.ElementsReader(g...)), source(imu, testutil.ElementsReader(i...))}
	}
	return gps, imu, sources
}

func TestFactory_GNSSAndIMUMergeIntoOneBatch(t *testing.T) {
	_, _, sources := gnssAndIMU(t)
	f := start(context.Background(), Config{BatchCap: 1 << 20, ChunkCap: 1 << 10}, sources()...)

	batches := collect(t, f)
	require.Len(t, batches, 1)
	b := batches[0]
	require.Equal(t, 22, b.Len())
	assert.True(t, b.Sorted())

	labels := testutil.Labels(b.Elements())
	assert.Equal(t, []string{"imu@0", "gps@0", "imu@100000000"}, labels[:3], "imu ranks before gps by kind")
	assert.Equal(t, []string{"imu@1000000000", "gps@1000000000"}, labels[11:13])
	assert.Equal(t, "imu@1900000000", labels[21])

	totals := f.Totals()
	assert.Equal(t, Totals{Batches: 1, Elements: 22, Bytes: b.Size()}, totals)
}

func TestFactory_PriorityTieBreakIsDeterministic(t *testing.T) {
	gps, imu, sources := gnssAndIMU(t)
	p, err := NewPriority([]string{"gps"}, []*sensors.Sensor{imu, gps})
	require.NoError(t, err)

	var first []string
	for run := 0; run < 20; run++ {
		f := start(context.Background(), Config{BatchCap: 1 << 20, ChunkCap: 256, Ranker: p}, sources()...)
		labels := testutil.Labels(flatten(collect(t, f)))
		require.Len(t, labels, 22)
		assert.Equal(t, []string{"gps@0", "imu@0"}, labels[:2])
		if run == 0 {
			first = labels
			continue
		}
		if diff := cmp.Diff(first, labels); diff != "" {
			t.Fatalf("run %d differs (-first +this):\n%s", run, diff)
		}
	}
}

func TestFactory_BatchesAreOrderedAndCapped(t *testing.T) {
	_, _, sources := gnssAndIMU(t)
	// Each element is 8 + 8*values bytes: imu 56, gps 32.
	f := start(context.Background(), Config{BatchCap: 200, ChunkCap: 120}, sources()...)

	batches := collect(t, f)
	require.Greater(t, len(batches), 1)
	total := 0
	for i, b := range batches {
		assert.LessOrEqual(t, b.Size(), int64(200))
		assert.Equal(t, int64(200), b.Cap)
		assert.Equal(t, i, b.Seq)
		assert.True(t, b.Sorted())
		total += b.Len()
		if i > 0 {
			_, prevLast, _ := batches[i-1].Bounds()
			first, _, _ := b.Bounds()
			assert.LessOrEqual(t, prevLast, first, "batch %d overlaps its predecessor", i)
		}
	}
	assert.Equal(t, 22, total)
	assert.True(t, element.IsSorted(flatten(batches), element.KindRanker{}))
}

func TestFactory_WaitsForSlowStream(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	gps := testutil.MustSensor(t, "gps", sensors.KindGPS)
	fast := testutil.ElementsReader(testutil.Elem(imu, 1), testutil.Elem(imu, 2), testutil.Elem(imu, 5))
	slow := testutil.ElementsReader(testutil.Elem(gps, 3))
	release := make(chan struct{})
	slow.Before = func(call int) {
		if call == 1 {
			<-release
		}
	}
	f := start(context.Background(), Config{BatchCap: 24, ChunkCap: 8}, source(imu, fast), source(gps, slow))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := f.Next(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no batch before every stream has a head")

	close(release)
	got := testutil.Labels(flatten(collect(t, f)))
	assert.Equal(t, []string{"imu@1", "imu@2", "gps@3", "imu@5"}, got)
}

func TestFactory_EffectiveCap(t *testing.T) {
	fake := memory.NewFake(50, 10)
	fake.SetTotal(1000)

	f := NewFactory(Config{BatchCap: 10000, ChunkCap: 100, Analyzer: fake})
	assert.Equal(t, int64(500), f.EffectiveCap())

	f = NewFactory(Config{BatchCap: 300, ChunkCap: 100, Analyzer: fake})
	assert.Equal(t, int64(300), f.EffectiveCap())

	f = NewFactory(Config{BatchCap: 10000, ChunkCap: 800, Analyzer: fake})
	assert.Equal(t, int64(800), f.EffectiveCap(), "never below the chunk cap")

	fake.SetError(errors.New("no telemetry"))
	f = NewFactory(Config{BatchCap: 10000, ChunkCap: 100, Analyzer: fake})
	assert.Equal(t, int64(10000), f.EffectiveCap())
}

func TestFactory_EffectiveCapWarnsWhenChunkCapExceedsBudget(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	original := monitoring.Logger()
	monitoring.SetLogger(zap.New(core))
	t.Cleanup(func() { monitoring.SetLogger(original) })

	fake := memory.NewFake(50, 10)
	fake.SetTotal(1000)
	f := NewFactory(Config{BatchCap: 10000, ChunkCap: 800, Analyzer: fake})

	assert.Equal(t, int64(800), f.EffectiveCap())
	assert.Equal(t, int64(800), f.EffectiveCap())
	warned := logs.FilterMessageSnippet("below chunk cap")
	require.Equal(t, 1, warned.Len(), "one warning per episode")
	assert.Equal(t, int64(500), warned.All()[0].ContextMap()["budget_bytes"])

	fake.SetTotal(10000)
	assert.Equal(t, int64(5000), f.EffectiveCap())
	fake.SetTotal(1000)
	assert.Equal(t, int64(800), f.EffectiveCap())
	assert.Equal(t, 2, logs.FilterMessageSnippet("below chunk cap").Len())
}

func TestFactory_EmptyStreamsEndWithEOF(t *testing.T) {
	imu := testutil.MustSensor(t, "imu", sensors.KindIMU)
	f := start(context.Background(), Config{BatchCap: 100, ChunkCap: 100}, source(imu, testutil.ElementsReader()))
	assert.Empty(t, collect(t, f))
	<-f.Done()
	_, err := f.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFactory_CancelEndsNext(t *testing.T) {
	_, _, sources := gnssAndIMU(t)
	ctx, cancel := context.WithCancel(context.Background())
	f := start(ctx, Config{BatchCap: 64, ChunkCap: 64}, sources()...)

	_, err := f.Next(context.Background())
	require.NoError(t, err)
	cancel()
	<-f.Done()

	for {
		_, err = f.Next(context.Background())
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}
