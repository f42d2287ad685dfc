// Package metrics publishes tunnel connection counters to CloudWatch.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tunnelnet/internal/shared/logging"
)

// Putter is the subset of the CloudWatch client used by the emitter
type Putter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Emitter counts open connections and finished requests and publishes them
// periodically. A disabled emitter still counts but never publishes.
type Emitter struct {
	config *Config
	client Putter
	logger *logging.Logger

	openConns    atomic.Int64
	responses    atomic.Int64
	failures     atomic.Int64
	lastActivity atomic.Int64 // Unix epoch seconds

	ctx        context.Context
	cancel     context.CancelFunc
	emitTicker *time.Ticker
}

// NewEmitter creates an emitter using the default AWS credential chain
func NewEmitter(cfg *Config, logger *logging.Logger) (*Emitter, error) {
	if cfg == nil {
		cfg = &Config{Enabled: false}
	}
	if logger == nil {
		logger = logging.NewLogger("metrics")
	}

	if !cfg.Enabled {
		logger.Debug("CloudWatch metrics disabled")
		return newEmitter(cfg, nil, logger), nil
	}

	awsConfig, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		logger.Warn("Failed to load AWS config, metrics will be disabled", "error", err.Error())
		cfg.Enabled = false
		return newEmitter(cfg, nil, logger), nil
	}

	return NewEmitterWithClient(cfg, cloudwatch.NewFromConfig(awsConfig), logger), nil
}

// NewEmitterWithClient creates an enabled emitter publishing through client
func NewEmitterWithClient(cfg *Config, client Putter, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.NewLogger("metrics")
	}
	e := newEmitter(cfg, client, logger)

	logger.Info("CloudWatch metrics emitter initialized",
		"namespace", cfg.Namespace,
		"region", cfg.Region,
		"emitInterval", cfg.EmitInterval,
	)
	return e
}

func newEmitter(cfg *Config, client Putter, logger *logging.Logger) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		config: cfg,
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	e.lastActivity.Store(time.Now().Unix())
	return e
}

func (e *Emitter) enabled() bool {
	return e.config.Enabled && e.client != nil
}

// Start begins emitting metrics at the configured interval
func (e *Emitter) Start() {
	if !e.enabled() {
		return
	}

	e.logger.Info("Starting metrics emission")
	e.emitTicker = time.NewTicker(e.config.EmitInterval)

	go func() {
		for {
			select {
			case <-e.ctx.Done():
				e.logger.Info("Metrics emission stopped")
				return
			case <-e.emitTicker.C:
				e.Flush()
			}
		}
	}()
}

// Stop stops periodic emission and publishes one final sample
func (e *Emitter) Stop() {
	if !e.enabled() {
		return
	}

	e.logger.Info("Stopping metrics emitter")
	e.cancel()
	if e.emitTicker != nil {
		e.emitTicker.Stop()
	}

	e.Flush()
}

// ConnectionOpened records a new tunnel channel
func (e *Emitter) ConnectionOpened() {
	count := e.openConns.Add(1)
	e.touch()
	e.logger.Debug("Open connections incremented", "count", count)
}

// ConnectionClosed records a tunnel channel going away
func (e *Emitter) ConnectionClosed() {
	count := e.openConns.Add(-1)
	if count < 0 {
		e.openConns.Store(0)
		count = 0
	}
	e.touch()
	e.logger.Debug("Open connections decremented", "count", count)
}

// ResultDelivered records one completed request; err marks a failure
func (e *Emitter) ResultDelivered(err error) {
	if err != nil {
		e.failures.Add(1)
	} else {
		e.responses.Add(1)
	}
	e.touch()
}

// OpenConnections returns the current open connection count
func (e *Emitter) OpenConnections() int64 {
	return e.openConns.Load()
}

// LastActivity returns the time of the last recorded event
func (e *Emitter) LastActivity() time.Time {
	return time.Unix(e.lastActivity.Load(), 0)
}

func (e *Emitter) touch() {
	e.lastActivity.Store(time.Now().Unix())
}

// Flush publishes the current sample. Response counters are reset; the open
// connection gauge is not.
func (e *Emitter) Flush() {
	if !e.enabled() {
		return
	}

	open := e.openConns.Load()
	responses := e.responses.Swap(0)
	failures := e.failures.Swap(0)
	lastActivity := e.lastActivity.Load()

	now := time.Now()
	dimensions := []types.Dimension{
		{Name: aws.String("Proxy"), Value: aws.String(e.config.Proxy)},
	}
	datum := func(name string, value float64, unit types.StandardUnit) types.MetricDatum {
		return types.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
			Timestamp:  &now,
			Dimensions: dimensions,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.config.Namespace),
		MetricData: []types.MetricDatum{
			datum("OpenConnections", float64(open), types.StandardUnitCount),
			datum("CompletedResponses", float64(responses), types.StandardUnitCount),
			datum("FailedResponses", float64(failures), types.StandardUnitCount),
			datum("LastActivityEpochSeconds", float64(lastActivity), types.StandardUnitNone),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.Warn("Failed to emit metrics to CloudWatch", "error", err.Error())
		return
	}

	e.logger.Debug("Metrics emitted",
		"openConnections", open,
		"completedResponses", responses,
		"failedResponses", failures,
	)
}
