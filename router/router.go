package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/metrics"
	"github.com/alwitt/fruitscan/pipeline"
	"github.com/alwitt/fruitscan/session"
	"github.com/alwitt/fruitscan/storage"
	"github.com/apex/log"
)

// ErrCommandFailed a boot or model change command could not be completed
var ErrCommandFailed = errors.New("command failed")

// RouteResult what the router did with one message
type RouteResult struct {
	Kind     MessageKind
	DeviceID string
	// Response payload published to the device, empty if none was sent
	Response string
	// Count readings buffered after a reading was appended
	Count int
	// Flush set when the message completed a batch
	Flush *pipeline.FlushOutcome
}

// CommandRouter classify inbound device messages and dispatch them
type CommandRouter interface {
	/*
		SubmitMessage queue a message for processing on its device's worker

			@param ctxt context.Context - execution context
			@param topic string - topic the message arrived on
			@param payload []byte - the message
	*/
	SubmitMessage(ctxt context.Context, topic string, payload []byte) error

	/*
		ProcessMessage process one message synchronously

			@param ctxt context.Context - execution context
			@param raw string - the message
			@return what was done
	*/
	ProcessMessage(ctxt context.Context, raw string) (RouteResult, error)
}

// Params router parameters
type Params struct {
	Registry  session.Registry
	Gateway   storage.ConfigGateway
	Pipeline  pipeline.Pipeline
	Publisher pipeline.ResponsePublisher
	Varieties VarietyTable
	// Processor queue messages are submitted to
	Processor common.TaskProcessor
}

type commandRouterImpl struct {
	common.Component
	Params
	operationCtxt context.Context
}

/*
DefineCommandRouter define a new command router

The router registers its message handler with the task processor.

	@param params Params - router parameters
	@param rootCtxt context.Context - context messages are processed under
	@return the router
*/
func DefineCommandRouter(params Params, rootCtxt context.Context) (CommandRouter, error) {
	if params.Registry == nil || params.Gateway == nil || params.Pipeline == nil ||
		params.Publisher == nil || params.Processor == nil {
		return nil, fmt.Errorf("command router is missing a dependency")
	}
	if params.Varieties.Len() == 0 {
		return nil, fmt.Errorf("command router has an empty variety table")
	}
	instance := &commandRouterImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "router", "component": "command-router"},
		},
		Params:        params,
		operationCtxt: rootCtxt,
	}
	if err := params.Processor.AddToTaskExecutionMap(
		reflect.TypeOf(InboundMessage{}), instance.processInbound,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// SubmitMessage queue a message for processing on its device's worker
func (r *commandRouterImpl) SubmitMessage(
	ctxt context.Context, topic string, payload []byte,
) error {
	msg := InboundMessage{Topic: topic, Payload: string(payload), Received: time.Now()}
	if err := r.Processor.Submit(ctxt, msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to queue message from %s", topic)
		return err
	}
	return nil
}

func (r *commandRouterImpl) processInbound(param interface{}) error {
	msg, ok := param.(InboundMessage)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for inbound message", reflect.TypeOf(param),
		)
	}
	_, err := r.ProcessMessage(r.operationCtxt, msg.Payload)
	return err
}

// ProcessMessage process one message synchronously
func (r *commandRouterImpl) ProcessMessage(ctxt context.Context, raw string) (RouteResult, error) {
	parsed, err := ParseMessage(raw)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Rejected message")
		metrics.RecordMessage(metrics.KindRejected)
		return RouteResult{}, err
	}
	handle, err := r.Registry.GetOrCreate(parsed.DeviceID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Rejected message")
		metrics.RecordMessage(metrics.KindRejected)
		return RouteResult{}, err
	}
	switch parsed.Kind {
	case KindBoot:
		metrics.RecordMessage(metrics.KindBoot)
		return r.handleBoot(ctxt, parsed, handle)
	case KindModelChange:
		metrics.RecordMessage(metrics.KindModelChange)
		return r.handleModelChange(ctxt, parsed, handle)
	default:
		metrics.RecordMessage(metrics.KindReading)
		return r.handleReading(ctxt, parsed, handle)
	}
}

// resetSession clear the device session after a flush or command
func (r *commandRouterImpl) resetSession(deviceID string) {
	if discarded := r.Registry.SnapshotAndReset(deviceID); len(discarded) > 0 {
		log.WithFields(r.LogTags).Infof(
			"Discarded %d buffered readings of %s", len(discarded), deviceID,
		)
	}
}

// handleBoot respond with the device's current assignment and the catalog.
// The session is reset whether or not this succeeds.
func (r *commandRouterImpl) handleBoot(
	ctxt context.Context, msg ParsedMessage, handle session.SessionHandle,
) (RouteResult, error) {
	defer r.resetSession(msg.DeviceID)
	result := RouteResult{Kind: KindBoot, DeviceID: msg.DeviceID}

	fail := func(err error) (RouteResult, error) {
		log.WithError(err).WithFields(r.LogTags).Errorf("Boot of %s failed", msg.DeviceID)
		metrics.RecordCommandFailure(metrics.KindBoot)
		return result, fmt.Errorf("%w: boot: %w", ErrCommandFailed, err)
	}

	current, err := r.Gateway.GetCurrentAssignment(ctxt, msg.DeviceID)
	if err != nil {
		return fail(err)
	}
	catalog, err := r.Gateway.GetCatalog(ctxt)
	if err != nil {
		return fail(err)
	}
	response := pipeline.FormatBootResponse(current, catalog)
	if err := r.Publisher.Publish(ctxt, handle.Topic, []byte(response)); err != nil {
		return fail(err)
	}
	result.Response = response
	log.WithFields(r.LogTags).Infof("Device %s booted on %s", msg.DeviceID, current.Code())
	return result, nil
}

// handleModelChange assign a new variety to the device. The session is reset
// only if this fails.
func (r *commandRouterImpl) handleModelChange(
	ctxt context.Context, msg ParsedMessage, handle session.SessionHandle,
) (RouteResult, error) {
	result := RouteResult{Kind: KindModelChange, DeviceID: msg.DeviceID}

	fail := func(err error) (RouteResult, error) {
		log.WithError(err).WithFields(r.LogTags).Errorf("Model change of %s failed", msg.DeviceID)
		metrics.RecordCommandFailure(metrics.KindModelChange)
		r.resetSession(msg.DeviceID)
		return result, fmt.Errorf("%w: model change: %w", ErrCommandFailed, err)
	}

	if len(msg.Tokens) < 3 {
		return fail(fmt.Errorf("%w: no variety code in '%s'", ErrMalformedMessage, msg.Raw))
	}
	varietyID, err := r.Varieties.Lookup(msg.Tokens[len(msg.Tokens)-2])
	if err != nil {
		return fail(err)
	}
	if err := r.Gateway.SetAssignment(ctxt, msg.DeviceID, varietyID); err != nil {
		return fail(err)
	}
	response := pipeline.FormatModelChangeResponse(varietyID)
	if err := r.Publisher.Publish(ctxt, handle.Topic, []byte(response)); err != nil {
		return fail(err)
	}
	result.Response = response
	log.WithFields(r.LogTags).Infof("Device %s changed to variety %d", msg.DeviceID, varietyID)
	return result, nil
}

// handleReading buffer the reading, and flush the batch once it is complete
func (r *commandRouterImpl) handleReading(
	ctxt context.Context, msg ParsedMessage, handle session.SessionHandle,
) (RouteResult, error) {
	appended, err := r.Registry.Append(msg.DeviceID, msg.Raw)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to buffer reading of %s", msg.DeviceID)
		return RouteResult{}, err
	}
	result := RouteResult{Kind: KindReading, DeviceID: msg.DeviceID, Count: appended.Count}
	if !appended.Full() {
		return result, nil
	}
	defer r.resetSession(msg.DeviceID)
	outcome := r.Pipeline.Flush(ctxt, msg.DeviceID, handle.Topic, appended.Batch)
	result.Flush = &outcome
	if outcome.PublishErr == nil {
		result.Response = outcome.Response
	}
	return result, nil
}
