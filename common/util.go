package common

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// FlushID context key for the correlation ID of one batch flush
type FlushID struct{}

// ModifyLogMetadataByFlushID update log metadata with the flush ID carried by the context
func ModifyLogMetadataByFlushID(ctxt context.Context, theTags log.Fields) {
	if ctxt.Value(FlushID{}) != nil {
		if v, ok := ctxt.Value(FlushID{}).(string); ok {
			theTags["flush_id"] = v
		}
	}
}

// DefineFlushAwareComponent define a goutils.Component whose context log tags include
// the flush ID
func DefineFlushAwareComponent(logTags log.Fields) goutils.Component {
	return goutils.Component{
		LogTags:         logTags,
		LogTagModifiers: []goutils.LogMetadataModifier{ModifyLogMetadataByFlushID},
	}
}
