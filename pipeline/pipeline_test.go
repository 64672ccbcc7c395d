package pipeline_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/mocks"
	"github.com/alwitt/fruitscan/models"
	"github.com/alwitt/fruitscan/pipeline"
	"github.com/alwitt/fruitscan/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func testModelRegistry() models.Registry {
	apple := common.FruitVariety{Fruit: "APPLE", Variety: "GREEN"}
	defaults := models.LoadedDefaults{
		Brix: models.LinearBrixModel{Kind: models.KindLinear, Coefficients: []float64{1, 1}},
		Status: models.LogisticStatusModel{
			Kind:      models.KindLogistic,
			Intercept: 100,
			Weights:   []float64{0, 0, 0},
			GoodColor: [3]int{0, 255, 0},
		},
	}
	return models.BuildRegistry(
		[]common.FruitVariety{apple},
		defaults,
		func(pair common.FruitVariety) models.LoadedArtifacts {
			return models.LoadedArtifacts{
				Brix: models.LinearBrixModel{
					Kind: models.KindLinear, Intercept: 1, Coefficients: []float64{1, 2},
				},
				Status: models.LogisticStatusModel{
					Kind:      models.KindLogistic,
					Weights:   []float64{0, 0, 0},
					BadColor:  [3]int{255, 0, 0},
					GoodColor: [3]int{0, 255, 0},
				},
			}
		},
	)
}

func TestPipelineDefinition(t *testing.T) {
	assert := assert.New(t)

	// Case 0: missing dependencies
	{
		_, err := pipeline.DefinePipeline(pipeline.Params{})
		assert.NotNil(err)
	}

	// Case 1: default white standard does not match the channels
	{
		_, err := pipeline.DefinePipeline(pipeline.Params{
			Gateway:              &mocks.ConfigGateway{},
			Models:               testModelRegistry(),
			Publisher:            &mocks.ResponsePublisher{},
			Writer:               &mocks.ResultWriter{},
			ChannelNames:         []string{"610nm", "680nm"},
			DefaultWhiteStandard: []float64{100},
			Location:             time.UTC,
		})
		assert.NotNil(err)
	}
}

func TestPipelineFlush(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	gateway := &mocks.ConfigGateway{}
	publisher := &mocks.ResponsePublisher{}
	writer := &mocks.ResultWriter{}

	flushTime := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	uut, err := pipeline.DefinePipeline(pipeline.Params{
		Gateway:              gateway,
		Models:               testModelRegistry(),
		Publisher:            publisher,
		Writer:               writer,
		ChannelNames:         []string{"610nm", "680nm"},
		DefaultWhiteStandard: []float64{100, 100},
		Location:             time.UTC,
		Clock:                func() time.Time { return flushTime },
	})
	assert.Nil(err)

	batch := []string{"100,400,AA", "300,0,AA"}

	// Case 0: all steps succeed
	{
		gateway.On("GetDeviceConfig", mock.Anything, "AA").Return(storage.DeviceConfiguration{
			MACID:         "AA",
			Fruit:         "APPLE",
			Variety:       "GREEN",
			WhiteStandard: []float64{100, 200},
			BatchNumber:   "B1",
			VendorCode:    "V1",
			DeviceID:      "4",
			WarehouseID:   "BLR_1",
		}, nil).Once()
		publisher.On(
			"Publish", mock.Anything, "/AA", []byte("$5.0,50% GOOD,128,128,0;"),
		).Return(nil).Once()
		writer.On("WriteResult", mock.Anything, mock.MatchedBy(func(r storage.FlushRecord) bool {
			return r.MACID == "AA" &&
				r.Fruit == "APPLE" &&
				r.WarehouseID == "BLR_1" &&
				r.Brix == 5 &&
				r.Status == 50 &&
				r.Readings == 2 &&
				r.RawMeans[0] == 200 &&
				r.RawMeans[1] == 200 &&
				r.DeviceInfo() == "BLR_1/4/2024-03-05/14:07:09.000000" &&
				r.FlushID != ""
		})).Return(nil).Once()

		outcome := uut.Flush(utCtxt, "AA", "/AA", batch)
		assert.False(outcome.Degraded())
		assert.Equal("$5.0,50% GOOD,128,128,0;", outcome.Response)
		assert.InDelta(5.0, outcome.Brix.Value, 1e-9)
		assert.Equal(50, outcome.Status.Status)
	}

	// Case 1: unknown device uses the default configuration and model
	{
		gateway.On("GetDeviceConfig", mock.Anything, "BB").
			Return(storage.DeviceConfiguration{}, storage.ErrDeviceNotFound).Once()
		publisher.On(
			"Publish", mock.Anything, "/BB", []byte("$4.0,100% GOOD,0,255,0;"),
		).Return(nil).Once()
		writer.On("WriteResult", mock.Anything, mock.MatchedBy(func(r storage.FlushRecord) bool {
			return r.MACID == "BB" && r.Fruit == models.DefaultKey && r.BatchNumber == "default"
		})).Return(fmt.Errorf("database down")).Once()

		outcome := uut.Flush(utCtxt, "BB", "/BB", []string{"100,300,BB", "300,100,BB"})
		assert.True(outcome.Degraded())
		assert.ErrorIs(outcome.ConfigErr, storage.ErrDeviceNotFound)
		assert.NotNil(outcome.PersistErr)
		assert.Nil(outcome.PublishErr)
		assert.Equal("$4.0,100% GOOD,0,255,0;", outcome.Response)
	}

	// Case 2: unusable readings produce the sentinel response
	{
		gateway.On("GetDeviceConfig", mock.Anything, "CC").Return(storage.DeviceConfiguration{
			MACID: "CC", Fruit: "APPLE", Variety: "GREEN", WhiteStandard: []float64{100, 200},
		}, nil).Once()
		publisher.On(
			"Publish", mock.Anything, "/CC", []byte("$-1.0,-1% GOOD,0,0,0;"),
		).Return(fmt.Errorf("not connected")).Once()
		writer.On("WriteResult", mock.Anything, mock.MatchedBy(func(r storage.FlushRecord) bool {
			return r.MACID == "CC" && r.Brix == -1 && r.Status == -1 && len(r.RawMeans) == 2
		})).Return(nil).Once()

		outcome := uut.Flush(utCtxt, "CC", "/CC", []string{"bad,data,CC"})
		assert.True(outcome.Degraded())
		assert.False(outcome.Normalize.OK())
		assert.False(outcome.Brix.OK())
		assert.False(outcome.Status.OK())
		assert.NotNil(outcome.PublishErr)
		assert.Equal(-1.0, outcome.Brix.Value)
		assert.Equal(-1, outcome.Status.Status)
	}

	// Case 3: device white standard with the wrong channel count
	{
		gateway.On("GetDeviceConfig", mock.Anything, "DD").Return(storage.DeviceConfiguration{
			MACID: "DD", Fruit: "APPLE", Variety: "GREEN", WhiteStandard: []float64{100},
		}, nil).Once()
		publisher.On("Publish", mock.Anything, "/DD", mock.Anything).Return(nil).Once()
		writer.On("WriteResult", mock.Anything, mock.Anything).Return(nil).Once()

		outcome := uut.Flush(utCtxt, "DD", "/DD", []string{"100,300,DD"})
		assert.NotNil(outcome.ConfigErr)
		assert.Equal(models.DefaultKey, outcome.Config.Fruit)
	}

	gateway.AssertExpectations(t)
	publisher.AssertExpectations(t)
	writer.AssertExpectations(t)
}
