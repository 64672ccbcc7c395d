package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoUsableReadings no record of the batch could be parsed
var ErrNoUsableReadings = errors.New("no usable readings in batch")

// NormalizeResult output of the normalization step
type NormalizeResult struct {
	// RawMeans per channel mean of the raw readings
	RawMeans []float64
	// Normalized per channel mean divided by the white standard
	Normalized []float64
	// Records number of records used
	Records int
	// Skipped number of records which could not be parsed
	Skipped int
	Err     error
}

// OK whether the step succeeded
func (r NormalizeResult) OK() bool {
	return r.Err == nil
}

// parseReading read the channel values from one raw record
func parseReading(record string, channels int) ([]float64, error) {
	tokens := strings.Split(record, ",")
	// The last token is the device ID
	if len(tokens) < channels+1 {
		return nil, fmt.Errorf("record has %d fields, need %d", len(tokens), channels+1)
	}
	values := make([]float64, channels)
	for idx := 0; idx < channels; idx++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(tokens[idx]), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d is not finite", idx)
		}
		values[idx] = v
	}
	return values, nil
}

/*
Normalize compute the per channel means of a batch and normalize them against the
white standard

Records which can not be parsed are skipped. The step fails if no record is usable.

	@param batch []string - the raw records
	@param whiteStandard []float64 - calibration value per channel
	@return the normalization result
*/
func Normalize(batch []string, whiteStandard []float64) NormalizeResult {
	channels := len(whiteStandard)
	if channels == 0 {
		return NormalizeResult{Err: fmt.Errorf("white standard is empty")}
	}
	for idx, ref := range whiteStandard {
		if ref == 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
			return NormalizeResult{
				Err: fmt.Errorf("white standard channel %d is unusable: %v", idx, ref),
			}
		}
	}

	result := NormalizeResult{
		RawMeans:   make([]float64, channels),
		Normalized: make([]float64, channels),
	}
	for _, record := range batch {
		values, err := parseReading(record, channels)
		if err != nil {
			result.Skipped++
			continue
		}
		for idx, v := range values {
			result.RawMeans[idx] += v
		}
		result.Records++
	}
	if result.Records == 0 {
		return NormalizeResult{Skipped: result.Skipped, Err: ErrNoUsableReadings}
	}
	for idx := range result.RawMeans {
		result.RawMeans[idx] /= float64(result.Records)
		result.Normalized[idx] = result.RawMeans[idx] / whiteStandard[idx]
	}
	return result
}
