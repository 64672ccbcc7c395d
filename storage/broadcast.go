package storage

import (
	"context"
	"fmt"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
)

// SubjectPublisher publish a payload on a subject
type SubjectPublisher interface {
	Publish(subject string, payload []byte) error
}

// natsResultBroadcaster ResultWriter announcing each result as an event
type natsResultBroadcaster struct {
	goutils.Component
	client        SubjectPublisher
	subjectPrefix string
}

// GetNATSResultBroadcaster define a new ResultWriter publishing results on
// <subjectPrefix>.<MAC ID>
func GetNATSResultBroadcaster(client SubjectPublisher, subjectPrefix string) ResultWriter {
	return &natsResultBroadcaster{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "storage", "component": "result-broadcaster"},
		),
		client:        client,
		subjectPrefix: subjectPrefix,
	}
}

// ResultSubject subject a device's results are published on
func ResultSubject(prefix, macID string) string {
	return fmt.Sprintf("%s.%s", prefix, macID)
}

func (b *natsResultBroadcaster) WriteResult(ctxt context.Context, record FlushRecord) error {
	payload, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	subject := ResultSubject(b.subjectPrefix, record.MACID)
	if err := b.client.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(b.GetLogTagsForContext(ctxt)).Errorf(
			"Unable to publish result on %s", subject,
		)
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}
