package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDeviceNotFound no device is registered under the MAC ID
var ErrDeviceNotFound = errors.New("device not found")

// DeviceConfiguration the settings of one device used during a flush
type DeviceConfiguration struct {
	MACID   string `json:"mac_id"`
	Fruit   string `json:"fruit"`
	Variety string `json:"variety"`
	// WhiteStandard calibration value per channel, in channel order
	WhiteStandard []float64 `json:"white_standard"`
	BatchNumber   string    `json:"batch_number"`
	VendorCode    string    `json:"vendor_code"`
	DeviceID      string    `json:"device_id"`
	WarehouseID   string    `json:"warehouse_id"`
}

// ConfigGateway fetch and update device settings
type ConfigGateway interface {
	// GetDeviceConfig fetch the settings of a device
	GetDeviceConfig(ctxt context.Context, macID string) (DeviceConfiguration, error)
	// GetCatalog fetch all known (fruit, variety) pairs
	GetCatalog(ctxt context.Context) ([]common.FruitVariety, error)
	// GetCurrentAssignment fetch the (fruit, variety) a device is set to
	GetCurrentAssignment(ctxt context.Context, macID string) (common.FruitVariety, error)
	// SetAssignment change the variety a device is set to
	SetAssignment(ctxt context.Context, macID string, varietyID int) error
}

// Color RGB indicator color
type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// FlushRecord the result of one batch flush
type FlushRecord struct {
	FlushID     string `json:"flush_id"`
	MACID       string `json:"mac_id"`
	DeviceID    string `json:"device_id"`
	WarehouseID string `json:"warehouse_id"`
	Fruit       string `json:"fruit"`
	Variety     string `json:"variety"`
	BatchNumber string `json:"batch_number"`
	VendorCode  string `json:"vendor_code"`
	// ChannelNames name of each entry in RawMeans
	ChannelNames []string  `json:"channel_names"`
	RawMeans     []float64 `json:"raw_means"`
	Brix         float64   `json:"brix"`
	Status       int       `json:"status"`
	Color        Color     `json:"color"`
	Readings     int       `json:"readings"`
	// Timestamp flush time in the configured time zone
	Timestamp time.Time `json:"timestamp"`
}

// DateStamp date portion of the flush timestamp
func (r FlushRecord) DateStamp() string {
	return r.Timestamp.Format("2006-01-02")
}

// TimeStamp time of day portion of the flush timestamp
func (r FlushRecord) TimeStamp() string {
	return r.Timestamp.Format("15:04:05.000000")
}

// DeviceInfo the row key <warehouse>/<device>/<date>/<time>
func (r FlushRecord) DeviceInfo() string {
	return r.WarehouseID + "/" + r.DeviceID + "/" + r.DateStamp() + "/" + r.TimeStamp()
}

// ResultWriter record the result of a flush
type ResultWriter interface {
	WriteResult(ctxt context.Context, record FlushRecord) error
}

// PGXQuerier the subset of the pgx pool API used by the Postgres gateways
type PGXQuerier interface {
	Query(ctxt context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctxt context.Context, sql string, args ...any) pgx.Row
	Exec(ctxt context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
