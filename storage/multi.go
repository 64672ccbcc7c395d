package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// multiResultWriter fan out a result to several writers
type multiResultWriter struct {
	goutils.Component
	writers []NamedResultWriter
}

// NamedResultWriter a ResultWriter with a name for logging
type NamedResultWriter struct {
	Name   string
	Writer ResultWriter
}

// GetMultiResultWriter define a ResultWriter calling every writer in order.
// A failing writer does not stop the others; all failures are joined.
func GetMultiResultWriter(writers ...NamedResultWriter) ResultWriter {
	return &multiResultWriter{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "storage", "component": "multi-writer"},
		),
		writers: writers,
	}
}

func (m *multiResultWriter) WriteResult(ctxt context.Context, record FlushRecord) error {
	var errs []error
	for _, writer := range m.writers {
		if err := writer.Writer.WriteResult(ctxt, record); err != nil {
			log.WithError(err).WithFields(m.GetLogTagsForContext(ctxt)).Warnf(
				"Result writer %s failed", writer.Name,
			)
			errs = append(errs, fmt.Errorf("%s: %w", writer.Name, err))
		}
	}
	return errors.Join(errs...)
}
