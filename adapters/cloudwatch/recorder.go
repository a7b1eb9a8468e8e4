// Package cloudwatch publishes mandate service metrics to AWS CloudWatch.
package cloudwatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/goliatone/go-mandates/core"
)

const (
	DefaultNamespace     = "Mandates"
	defaultBatchSize     = 20
	defaultMaxBuffered   = 1000
	maxMetricDimensions  = 30
	durationMetricSuffix = "duration_ms"
)

type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder buffers metric data in memory and ships it with Flush or Run.
// Recording never blocks on the network.
type Recorder struct {
	client      PutMetricDataAPI
	namespace   string
	batchSize   int
	maxBuffered int
	logger      core.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending []types.MetricDatum
	dropped int64
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		if namespace = strings.TrimSpace(namespace); namespace != "" {
			r.namespace = namespace
		}
	}
}

func WithBatchSize(size int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

func WithMaxBuffered(limit int) Option {
	return func(r *Recorder) {
		if limit > 0 {
			r.maxBuffered = limit
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRecorder(client PutMetricDataAPI, opts ...Option) (*Recorder, error) {
	if client == nil {
		return nil, fmt.Errorf("cloudwatch: client is required")
	}
	recorder := &Recorder{
		client:      client,
		namespace:   DefaultNamespace,
		batchSize:   defaultBatchSize,
		maxBuffered: defaultMaxBuffered,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	return recorder, nil
}

func NewRecorderFromConfig(cfg aws.Config, opts ...Option) (*Recorder, error) {
	return NewRecorder(cloudwatch.NewFromConfig(cfg), opts...)
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	r.record(name, float64(value), types.StandardUnitCount, tags)
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	unit := types.StandardUnitNone
	if strings.HasSuffix(name, durationMetricSuffix) {
		unit = types.StandardUnitMilliseconds
	}
	r.record(name, value, unit, tags)
}

func (r *Recorder) record(name string, value float64, unit types.StandardUnit, tags map[string]string) {
	if r == nil || strings.TrimSpace(name) == "" {
		return
	}
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(r.now()),
		Dimensions: dimensions(tags),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.maxBuffered {
		r.dropped++
		return
	}
	r.pending = append(r.pending, datum)
}

// Pending reports buffered and dropped datum counts.
func (r *Recorder) Pending() (buffered int, dropped int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending), r.dropped
}

// Flush sends buffered data in batches. Data from a failed batch onward is
// put back at the front of the buffer.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for start := 0; start < len(batch); start += r.batchSize {
		end := min(start+r.batchSize, len(batch))
		_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(r.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			r.requeue(batch[start:])
			return fmt.Errorf("cloudwatch: put metric batch: %w", err)
		}
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more with a
// short grace period.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			r.logFlushError(r.Flush(flushCtx))
			cancel()
			return
		case <-ticker.C:
			r.logFlushError(r.Flush(ctx))
		}
	}
}

func (r *Recorder) requeue(data []types.MetricDatum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := append(append([]types.MetricDatum(nil), data...), r.pending...)
	if len(merged) > r.maxBuffered {
		r.dropped += int64(len(merged) - r.maxBuffered)
		merged = merged[:r.maxBuffered]
	}
	r.pending = merged
}

func (r *Recorder) logFlushError(err error) {
	if err != nil && r.logger != nil {
		r.logger.Warn("cloudwatch metrics flush failed", "namespace", r.namespace, "error", err)
	}
}

func dimensions(tags map[string]string) []types.Dimension {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key, value := range tags {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > maxMetricDimensions {
		keys = keys[:maxMetricDimensions]
	}
	out := make([]types.Dimension, 0, len(keys))
	for _, key := range keys {
		out = append(out, types.Dimension{Name: aws.String(key), Value: aws.String(tags[key])})
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
