package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

const (
	deviceConfigQuery = `SELECT F.fruit_name, V.variety, T.white_standard::text,
D.batch_number::text, D.vendor_code::text, D.device_id::text, W.warehouse_id::text
FROM devices D
JOIN fruit_varieties V ON D.fruit_variety_id = V.id
JOIN fruits F ON V.fruit_id = F.id
JOIN device_types T ON D.device_type_id = T.id
JOIN warehouses W ON D.warehouse_id = W.id
WHERE D.mac_id = $1`
	catalogQuery = `SELECT F.fruit_name, V.variety
FROM fruit_varieties V JOIN fruits F ON V.fruit_id = F.id
ORDER BY V.id`
	currentAssignmentQuery = `SELECT F.fruit_name, V.variety
FROM devices D
JOIN fruit_varieties V ON D.fruit_variety_id = V.id
JOIN fruits F ON V.fruit_id = F.id
WHERE D.mac_id = $1`
	setAssignmentQuery = `UPDATE devices SET fruit_variety_id = $1 WHERE mac_id = $2`
	latestResultIDQuery = `SELECT COALESCE(MAX(id), 0) FROM warehouse_data`
)

// postgresConfigGateway ConfigGateway reading the device tables
type postgresConfigGateway struct {
	goutils.Component
	db           PGXQuerier
	channelNames []string
	queryTimeout time.Duration
}

/*
GetPostgresConfigGateway define a new Postgres backed ConfigGateway

	@param db PGXQuerier - the database pool
	@param channelNames []string - channel names, the keys of the white standard object
	@param queryTimeout time.Duration - per query timeout
	@return the gateway
*/
func GetPostgresConfigGateway(
	db PGXQuerier, channelNames []string, queryTimeout time.Duration,
) ConfigGateway {
	return &postgresConfigGateway{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "storage", "component": "config-gateway"},
		),
		db:           db,
		channelNames: channelNames,
		queryTimeout: queryTimeout,
	}
}

func (g *postgresConfigGateway) GetDeviceConfig(
	ctxt context.Context, macID string,
) (DeviceConfiguration, error) {
	logTags := g.GetLogTagsForContext(ctxt)
	lclCtxt, cancel := context.WithTimeout(ctxt, g.queryTimeout)
	defer cancel()

	result := DeviceConfiguration{MACID: macID}
	var whiteStandard string
	err := g.db.QueryRow(lclCtxt, deviceConfigQuery, macID).Scan(
		&result.Fruit,
		&result.Variety,
		&whiteStandard,
		&result.BatchNumber,
		&result.VendorCode,
		&result.DeviceID,
		&result.WarehouseID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeviceConfiguration{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, macID)
		}
		log.WithError(err).WithFields(logTags).Errorf("Device config query for %s failed", macID)
		return DeviceConfiguration{}, fmt.Errorf("query device config: %w", err)
	}
	calibration, err := ParseWhiteStandard(whiteStandard, g.channelNames)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Device %s has unusable white standard", macID)
		return DeviceConfiguration{}, err
	}
	result.WhiteStandard = calibration
	return result, nil
}

func (g *postgresConfigGateway) GetCatalog(ctxt context.Context) ([]common.FruitVariety, error) {
	logTags := g.GetLogTagsForContext(ctxt)
	lclCtxt, cancel := context.WithTimeout(ctxt, g.queryTimeout)
	defer cancel()

	rows, err := g.db.Query(lclCtxt, catalogQuery)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Catalog query failed")
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()
	catalog := []common.FruitVariety{}
	for rows.Next() {
		var entry common.FruitVariety
		if err := rows.Scan(&entry.Fruit, &entry.Variety); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to parse catalog row")
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
		catalog = append(catalog, entry)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Catalog read failed")
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return catalog, nil
}

func (g *postgresConfigGateway) GetCurrentAssignment(
	ctxt context.Context, macID string,
) (common.FruitVariety, error) {
	lclCtxt, cancel := context.WithTimeout(ctxt, g.queryTimeout)
	defer cancel()

	var result common.FruitVariety
	err := g.db.QueryRow(lclCtxt, currentAssignmentQuery, macID).Scan(
		&result.Fruit, &result.Variety,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.FruitVariety{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, macID)
		}
		log.WithError(err).WithFields(g.GetLogTagsForContext(ctxt)).Errorf(
			"Assignment query for %s failed", macID,
		)
		return common.FruitVariety{}, fmt.Errorf("query assignment: %w", err)
	}
	return result, nil
}

func (g *postgresConfigGateway) SetAssignment(
	ctxt context.Context, macID string, varietyID int,
) error {
	logTags := g.GetLogTagsForContext(ctxt)
	lclCtxt, cancel := context.WithTimeout(ctxt, g.queryTimeout)
	defer cancel()

	tag, err := g.db.Exec(lclCtxt, setAssignmentQuery, varietyID, macID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to set %s to variety %d", macID, varietyID,
		)
		return fmt.Errorf("update assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, macID)
	}
	log.WithFields(logTags).Infof("Device %s set to variety %d", macID, varietyID)
	return nil
}

/*
ParseWhiteStandard read the calibration vector from the white standard JSON object

Values may be JSON numbers or numeric strings. The vector follows channelNames order.

	@param raw string - the JSON object
	@param channelNames []string - channel names
	@return the calibration vector
*/
func ParseWhiteStandard(raw string, channelNames []string) ([]float64, error) {
	parsed := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse white standard: %w", err)
	}
	result := make([]float64, len(channelNames))
	for idx, channel := range channelNames {
		value, ok := parsed[channel]
		if !ok {
			return nil, fmt.Errorf("white standard missing channel '%s'", channel)
		}
		switch v := value.(type) {
		case float64:
			result[idx] = v
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("white standard channel '%s': %w", channel, err)
			}
			result[idx] = f
		default:
			return nil, fmt.Errorf("white standard channel '%s' is not numeric", channel)
		}
	}
	return result, nil
}

// ========================================================================================

// postgresResultStore ResultWriter inserting into warehouse_data
type postgresResultStore struct {
	goutils.Component
	db           PGXQuerier
	queryTimeout time.Duration
}

// GetPostgresResultStore define a new Postgres backed ResultWriter
func GetPostgresResultStore(db PGXQuerier, queryTimeout time.Duration) ResultWriter {
	return &postgresResultStore{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "storage", "component": "result-store"},
		),
		db:           db,
		queryTimeout: queryTimeout,
	}
}

// ChannelColumn column holding the mean of a channel
func ChannelColumn(channel string) string {
	return "wv_" + channel
}

// buildInsertStatement build the insert statement for a record's channels
func buildInsertStatement(channelNames []string) string {
	columns := []string{
		"id", "warehouse_id", "device_id", "fruit", "variety", "batch_number",
		"brix", "status", "date", "timestamp", "device_info",
	}
	for _, channel := range channelNames {
		columns = append(columns, pgx.Identifier{ChannelColumn(channel)}.Sanitize())
	}
	columns = append(columns, "mac_id")
	placeholders := make([]string, len(columns))
	for idx := range columns {
		placeholders[idx] = fmt.Sprintf("$%d", idx+1)
	}
	return fmt.Sprintf(
		"INSERT INTO warehouse_data(%s) VALUES (%s)",
		strings.Join(columns, ","), strings.Join(placeholders, ","),
	)
}

func (s *postgresResultStore) WriteResult(ctxt context.Context, record FlushRecord) error {
	logTags := s.GetLogTagsForContext(ctxt)
	if len(record.ChannelNames) != len(record.RawMeans) {
		return fmt.Errorf(
			"record has %d channel names but %d means",
			len(record.ChannelNames), len(record.RawMeans),
		)
	}
	lclCtxt, cancel := context.WithTimeout(ctxt, s.queryTimeout)
	defer cancel()

	var latestID int64
	if err := s.db.QueryRow(lclCtxt, latestResultIDQuery).Scan(&latestID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read latest result ID")
		return fmt.Errorf("read latest result ID: %w", err)
	}

	args := []any{
		latestID + 1,
		record.WarehouseID,
		record.DeviceID,
		record.Fruit,
		record.Variety,
		record.BatchNumber,
		record.Brix,
		record.Status,
		record.DateStamp(),
		record.TimeStamp(),
		record.DeviceInfo(),
	}
	for _, mean := range record.RawMeans {
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			mean = 0
		}
		args = append(args, mean)
	}
	args = append(args, record.MACID)

	if _, err := s.db.Exec(lclCtxt, buildInsertStatement(record.ChannelNames), args...); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to insert result %d for %s", latestID+1, record.MACID,
		)
		return fmt.Errorf("insert result: %w", err)
	}
	log.WithFields(logTags).Debugf("Stored result %d for %s", latestID+1, record.MACID)
	return nil
}
