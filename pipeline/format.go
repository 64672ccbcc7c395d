package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alwitt/fruitscan/common"
)

// FormatBrix render brix rounded to 2 decimals, e.g. 12.35, 12.3, -1.0
func FormatBrix(brix float64) string {
	rounded := math.Round(brix*100) / 100
	text := strconv.FormatFloat(rounded, 'f', -1, 64)
	if !strings.Contains(text, ".") {
		text += ".0"
	}
	return text
}

// FormatFlushResponse build the result response sent back to the device
func FormatFlushResponse(brix float64, status, r, g, b int) string {
	return fmt.Sprintf("$%s,%d%% GOOD,%d,%d,%d;", FormatBrix(brix), status, r, g, b)
}

// FormatBootResponse build the response to a boot command: the current
// assignment, followed by every catalog entry
func FormatBootResponse(current common.FruitVariety, catalog []common.FruitVariety) string {
	builder := strings.Builder{}
	builder.WriteString("!")
	builder.WriteString(current.Code())
	for _, entry := range catalog {
		builder.WriteString(",")
		builder.WriteString(entry.Code())
	}
	return builder.String()
}

// FormatModelChangeResponse build the response to a model change command
func FormatModelChangeResponse(varietyID int) string {
	return fmt.Sprintf("@%d", varietyID)
}
