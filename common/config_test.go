package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(cfg.Validate(validate))
		assert.Nil(cfg.Redis)
		assert.Nil(cfg.NATS)
		assert.Equal(10, cfg.Session.BatchSize)
		assert.Len(cfg.Commands.VarietyCodes, 16)
		assert.Equal(DefaultVarietyCodes(), cfg.Commands.VarietyCodes)
		assert.Len(cfg.Pipeline.ChannelNames, 6)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
session:
  batch_size: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}

	// Case 3: white standard does not match the channels
	{
		config := []byte(`---
pipeline:
  default_white_standard: [1.0, 2.0]`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}

	// Case 4: optional sections and a custom variety table
	{
		config := []byte(`---
redis:
  addr: 127.0.0.1:6379
  ttl_sec: 60
nats:
  server_uri: nats://127.0.0.1:4222
  connect_timeout_sec: 5
  reconnect:
    max_attempts: -1
    wait_interval_sec: 5
  subject_prefix: fruitscan.results
commands:
  variety_codes:
    - code: KIWI[HA]
      variety_id: 42`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(cfg.Validate(validate))
		assert.NotNil(cfg.Redis)
		assert.NotNil(cfg.NATS)
		assert.Equal([]VarietyCodeEntry{{Code: "KIWI[HA]", VarietyID: 42}}, cfg.Commands.VarietyCodes)
	}

	// Case 5: duplicate variety codes
	{
		config := []byte(`---
commands:
  variety_codes:
    - code: KIWI[HA]
      variety_id: 42
    - code: KIWI[HA]
      variety_id: 43`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}
	viper.Reset()
}
