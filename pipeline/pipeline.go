package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/metrics"
	"github.com/alwitt/fruitscan/models"
	"github.com/alwitt/fruitscan/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SentinelUnavailable value reported when a prediction is not available
const SentinelUnavailable = -1

// ResponsePublisher send a response to a device
type ResponsePublisher interface {
	Publish(ctxt context.Context, topic string, payload []byte) error
}

// BrixResult output of the brix prediction step
type BrixResult struct {
	Value float64
	Err   error
}

// OK whether the step succeeded
func (r BrixResult) OK() bool {
	return r.Err == nil
}

// StatusResult output of the status classification step
type StatusResult struct {
	models.StatusPrediction
	Err error
}

// OK whether the step succeeded
func (r StatusResult) OK() bool {
	return r.Err == nil
}

// FlushOutcome what happened during one flush
type FlushOutcome struct {
	FlushID string
	Config  storage.DeviceConfiguration
	// ConfigErr set when the device configuration could not be fetched, and
	// the default configuration was used
	ConfigErr  error
	Normalize  NormalizeResult
	Brix       BrixResult
	Status     StatusResult
	Response   string
	PublishErr error
	PersistErr error
	Duration   time.Duration
}

// Degraded whether any step of the flush failed
func (o FlushOutcome) Degraded() bool {
	return o.ConfigErr != nil ||
		!o.Normalize.OK() ||
		!o.Brix.OK() ||
		!o.Status.OK() ||
		o.PublishErr != nil ||
		o.PersistErr != nil
}

// Pipeline turn a completed batch into a prediction, respond to the device, and
// record the result
type Pipeline interface {
	/*
		Flush process one completed batch

		Every step is isolated: a failing step is recorded in the outcome and the
		flush continues with the next step.

			@param ctxt context.Context - execution context
			@param deviceID string - the device MAC ID
			@param topic string - the device response topic
			@param batch []string - the raw records
			@return what happened
	*/
	Flush(ctxt context.Context, deviceID, topic string, batch []string) FlushOutcome
}

// Params pipeline parameters
type Params struct {
	Gateway   storage.ConfigGateway `validate:"required"`
	Models    models.Registry       `validate:"required"`
	Publisher ResponsePublisher     `validate:"required"`
	Writer    storage.ResultWriter  `validate:"required"`
	// ChannelNames name of each reading channel
	ChannelNames []string `validate:"required,min=1"`
	// DefaultWhiteStandard calibration used with the default configuration
	DefaultWhiteStandard []float64 `validate:"required,min=1"`
	// Location time zone of the recorded timestamps
	Location *time.Location `validate:"required"`
	// Clock time source, defaults to time.Now
	Clock func() time.Time
}

type pipelineImpl struct {
	goutils.Component
	Params
}

// DefinePipeline define a new flush pipeline
func DefinePipeline(params Params) (Pipeline, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	if len(params.ChannelNames) != len(params.DefaultWhiteStandard) {
		return nil, fmt.Errorf(
			"%d channels but %d default white standard values",
			len(params.ChannelNames), len(params.DefaultWhiteStandard),
		)
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	return &pipelineImpl{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "pipeline", "component": "flush"},
		),
		Params: params,
	}, nil
}

// defaultConfiguration the configuration used when a device lookup fails
func (p *pipelineImpl) defaultConfiguration(deviceID string) storage.DeviceConfiguration {
	whiteStandard := make([]float64, len(p.DefaultWhiteStandard))
	copy(whiteStandard, p.DefaultWhiteStandard)
	return storage.DeviceConfiguration{
		MACID:         deviceID,
		Fruit:         models.DefaultKey,
		Variety:       models.DefaultKey,
		WhiteStandard: whiteStandard,
		BatchNumber:   models.DefaultKey,
		VendorCode:    models.DefaultKey,
		DeviceID:      models.DefaultKey,
		WarehouseID:   models.DefaultKey,
	}
}

func (p *pipelineImpl) Flush(
	ctxt context.Context, deviceID, topic string, batch []string,
) FlushOutcome {
	started := p.Clock()
	outcome := FlushOutcome{FlushID: uuid.New().String()}
	ctxt = context.WithValue(ctxt, common.FlushID{}, outcome.FlushID)
	logTags := p.GetLogTagsForContext(ctxt)
	logTags["device"] = deviceID

	// Device configuration
	config, err := p.Gateway.GetDeviceConfig(ctxt, deviceID)
	if err == nil && len(config.WhiteStandard) != len(p.ChannelNames) {
		err = fmt.Errorf(
			"device white standard has %d channels, expected %d",
			len(config.WhiteStandard), len(p.ChannelNames),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Device config unavailable, using default")
		metrics.RecordStepFailure(metrics.StepConfig)
		outcome.ConfigErr = err
		config = p.defaultConfiguration(deviceID)
	}
	outcome.Config = config

	// Models
	modelEntry := p.Models.Resolve(config.Fruit, config.Variety)
	if modelEntry.Degraded {
		log.WithFields(logTags).Debugf(
			"Using default model for %s/%s", config.Fruit, config.Variety,
		)
	}

	// Normalize
	outcome.Normalize = Normalize(batch, config.WhiteStandard)
	if !outcome.Normalize.OK() {
		log.WithError(outcome.Normalize.Err).WithFields(logTags).Error("Normalization failed")
		metrics.RecordStepFailure(metrics.StepNormalize)
	} else if outcome.Normalize.Skipped > 0 {
		log.WithFields(logTags).Warnf(
			"Skipped %d unparsable records", outcome.Normalize.Skipped,
		)
	}

	// Brix
	outcome.Brix = p.predictBrix(modelEntry, outcome.Normalize)
	if !outcome.Brix.OK() {
		log.WithError(outcome.Brix.Err).WithFields(logTags).Error("Brix prediction failed")
		metrics.RecordStepFailure(metrics.StepBrix)
	}

	// Status
	outcome.Status = p.predictStatus(modelEntry, outcome.Normalize, outcome.Brix)
	if !outcome.Status.OK() {
		log.WithError(outcome.Status.Err).WithFields(logTags).Error("Status classification failed")
		metrics.RecordStepFailure(metrics.StepStatus)
	}

	// Respond
	outcome.Response = FormatFlushResponse(
		outcome.Brix.Value,
		outcome.Status.Status,
		outcome.Status.R,
		outcome.Status.G,
		outcome.Status.B,
	)
	if err := p.Publisher.Publish(ctxt, topic, []byte(outcome.Response)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to respond on %s", topic)
		metrics.RecordStepFailure(metrics.StepPublish)
		outcome.PublishErr = err
	} else {
		log.WithFields(logTags).Debugf("Responded on %s: %s", topic, outcome.Response)
	}

	// Persist
	record := storage.FlushRecord{
		FlushID:      outcome.FlushID,
		MACID:        deviceID,
		DeviceID:     config.DeviceID,
		WarehouseID:  config.WarehouseID,
		Fruit:        config.Fruit,
		Variety:      config.Variety,
		BatchNumber:  config.BatchNumber,
		VendorCode:   config.VendorCode,
		ChannelNames: p.ChannelNames,
		RawMeans:     outcome.Normalize.RawMeans,
		Brix:         outcome.Brix.Value,
		Status:       outcome.Status.Status,
		Color: storage.Color{
			R: outcome.Status.R, G: outcome.Status.G, B: outcome.Status.B,
		},
		Readings:  len(batch),
		Timestamp: started.In(p.Location),
	}
	if !outcome.Normalize.OK() {
		record.RawMeans = make([]float64, len(p.ChannelNames))
	}
	if err := p.Writer.WriteResult(ctxt, record); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to record flush result")
		metrics.RecordStepFailure(metrics.StepPersist)
		outcome.PersistErr = err
	}

	outcome.Duration = p.Clock().Sub(started)
	metrics.RecordFlush(outcome.Degraded(), outcome.Duration)
	log.WithFields(logTags).Infof(
		"Flushed %d readings: brix=%s status=%d degraded=%v",
		len(batch), FormatBrix(outcome.Brix.Value), outcome.Status.Status, outcome.Degraded(),
	)
	return outcome
}

func (p *pipelineImpl) predictBrix(entry models.Entry, normalized NormalizeResult) BrixResult {
	if !normalized.OK() {
		return BrixResult{
			Value: SentinelUnavailable,
			Err:   fmt.Errorf("no normalized input: %w", normalized.Err),
		}
	}
	value, err := entry.Brix.PredictBrix(normalized.Normalized)
	if err != nil {
		return BrixResult{Value: SentinelUnavailable, Err: err}
	}
	return BrixResult{Value: value}
}

func (p *pipelineImpl) predictStatus(
	entry models.Entry, normalized NormalizeResult, brix BrixResult,
) StatusResult {
	unavailable := models.StatusPrediction{Status: SentinelUnavailable}
	if !normalized.OK() {
		return StatusResult{
			StatusPrediction: unavailable,
			Err:              fmt.Errorf("no normalized input: %w", normalized.Err),
		}
	}
	features := make([]float64, 0, len(normalized.Normalized)+1)
	features = append(features, normalized.Normalized...)
	features = append(features, brix.Value)
	prediction, err := entry.Status.PredictStatus(features)
	if err != nil {
		return StatusResult{StatusPrediction: unavailable, Err: err}
	}
	return StatusResult{StatusPrediction: prediction}
}
