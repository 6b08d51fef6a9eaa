// File: internal/storage/sql_storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

var _ Storage = (*SQLStorage)(nil)

// SQLStorage implements Storage on database/sql for any supported dialect.
// Times are stored as unix milliseconds and maps as JSON text.
type SQLStorage struct {
	db         *sql.DB
	dialect    *Dialect
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
	prepare    func(config *StorageConfig) (dsn string, maxConns int, err error)
}

// NewSQLStorage creates a store for dialect
func NewSQLStorage(dialect *Dialect, config *StorageConfig) *SQLStorage {
	return &SQLStorage{
		dialect:    dialect,
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("driver", dialect.Name),
		migrations: GetMigrations(),
		prepare: func(config *StorageConfig) (string, int, error) {
			return config.ConnectionString, config.MaxConnections, nil
		},
	}
}

// Dialect returns the SQL dialect of the store
func (s *SQLStorage) Dialect() *Dialect {
	return s.dialect
}

// Connect establishes database connection
func (s *SQLStorage) Connect() error {
	dsn, maxConns, err := s.prepare(s.config)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Invalid database configuration", err.Error())
	}

	db, err := sql.Open(s.dialect.DriverName, dsn)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open database", err.Error())
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns((maxConns + 1) / 2)
	}
	if s.config.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(s.config.MaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping database", err.Error())
	}

	s.db = db
	s.logger.Info("Database connected")
	return nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate applies every migration not yet recorded in schema_migrations
func (s *SQLStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	if _, err := s.db.Exec(migrationsTable); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	applied := make(map[string]string)
	rows, err := s.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}

	for _, migration := range s.migrations {
		if checksum, ok := applied[migration.Version]; ok {
			if checksum != migration.Checksum() {
				return utils.NewAppError(utils.ErrCodeDatabase,
					fmt.Sprintf("Migration %s was modified after it was applied", migration.Version), "")
			}
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if err := s.applyMigration(migration); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version), err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

func (s *SQLStorage) applyMigration(migration *Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, statement := range migration.Statements {
		if _, err := tx.Exec(statement); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(s.dialect.Rebind(
		"INSERT INTO schema_migrations (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)"),
		migration.Version, migration.Description, migration.Checksum(), time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// insertError maps a failed insert to ALREADY_EXISTS or DATABASE_ERROR
func (s *SQLStorage) insertError(what string, err error) error {
	if s.dialect.IsUniqueViolation(err) {
		return utils.WrapError(utils.ErrCodeAlreadyExists, what+" already exists", err)
	}
	return utils.WrapError(utils.ErrCodeDatabase, "Failed to save "+what, err)
}

// expectRow turns an update that touched nothing into NOT_FOUND
func (s *SQLStorage) expectRow(ctx context.Context, result sql.Result, table, id string) error {
	affected, err := result.RowsAffected()
	if err != nil || affected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when values are unchanged
	var one int
	err = s.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return utils.NewAppError(utils.ErrCodeNotFound, strings.TrimSuffix(table, "s")+" not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON decodes numbers as json.Number so large integer conditions keep their precision
func unmarshalJSON(raw sql.NullString, v interface{}) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(raw.String))
	decoder.UseNumber()
	return decoder.Decode(v)
}

// ---------------------------------------------------------------------------
// Contracts

const contractColumns = `id, address, chain, user_id, name, abi, is_active, max_alerts_per_hour,
	status, status_reason, last_checked, created_at, updated_at`

// CreateContract inserts a contract; the address is stored normalized
func (s *SQLStorage) CreateContract(ctx context.Context, contract *models.MonitoredContract) error {
	now := time.Now().UTC()
	if contract.ID == "" {
		contract.ID = utils.GenerateID()
	}
	if contract.Status == "" {
		contract.Status = models.ContractStatusStopped
	}
	contract.Address = utils.NormalizeAddress(contract.Address)
	contract.CreatedAt = now
	contract.UpdatedAt = now

	_, err := s.exec(ctx, `INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contract.ID, contract.Address, contract.Chain, contract.UserID, contract.Name,
		nullString(contract.ABI), contract.IsActive, contract.MaxAlertsPerHour,
		string(contract.Status), nullString(contract.StatusReason), nullMillis(contract.LastChecked),
		millis(contract.CreatedAt), millis(contract.UpdatedAt))
	if err != nil {
		return s.insertError("Contract", err)
	}
	return nil
}

func scanContract(row scanner) (*models.MonitoredContract, error) {
	var (
		c            models.MonitoredContract
		abi, reason  sql.NullString
		status       string
		lastChecked  sql.NullInt64
		created, upd int64
	)
	if err := row.Scan(&c.ID, &c.Address, &c.Chain, &c.UserID, &c.Name, &abi, &c.IsActive,
		&c.MaxAlertsPerHour, &status, &reason, &lastChecked, &created, &upd); err != nil {
		return nil, err
	}
	c.ABI = abi.String
	c.Status = models.ContractStatus(status)
	c.StatusReason = reason.String
	c.LastChecked = fromNullMillis(lastChecked)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(upd)
	return &c, nil
}

// GetContract retrieves a contract by ID
func (s *SQLStorage) GetContract(ctx context.Context, id string) (*models.MonitoredContract, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	contract, err := scanContract(s.queryRow(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Contract not found", id)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get contract", err)
	}
	return contract, nil
}

// ListActiveContracts returns every contract flagged for monitoring
func (s *SQLStorage) ListActiveContracts(ctx context.Context) ([]*models.MonitoredContract, error) {
	rows, err := s.query(ctx, "SELECT "+contractColumns+" FROM contracts WHERE is_active = ? ORDER BY created_at", true)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to list contracts", err)
	}
	defer rows.Close()

	var contracts []*models.MonitoredContract
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan contract", err)
		}
		contracts = append(contracts, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to list contracts", err)
	}
	return contracts, nil
}

// UpdateLastChecked records the time of the latest periodic check
func (s *SQLStorage) UpdateLastChecked(ctx context.Context, contractID string, at time.Time) error {
	result, err := s.exec(ctx, "UPDATE contracts SET last_checked = ?, updated_at = ? WHERE id = ?",
		millis(at), millis(time.Now()), contractID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update last checked", err)
	}
	return s.expectRow(ctx, result, "contracts", contractID)
}

// SetContractActive flips the monitoring flag
func (s *SQLStorage) SetContractActive(ctx context.Context, contractID string, active bool) error {
	result, err := s.exec(ctx, "UPDATE contracts SET is_active = ?, updated_at = ? WHERE id = ?",
		active, millis(time.Now()), contractID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update contract", err)
	}
	return s.expectRow(ctx, result, "contracts", contractID)
}

// SetContractStatus persists the supervisor status and its reason
func (s *SQLStorage) SetContractStatus(ctx context.Context, contractID string, status models.ContractStatus, reason string) error {
	result, err := s.exec(ctx, "UPDATE contracts SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?",
		string(status), nullString(reason), millis(time.Now()), contractID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update contract status", err)
	}
	return s.expectRow(ctx, result, "contracts", contractID)
}

// ---------------------------------------------------------------------------
// Rules

const ruleColumns = `id, contract_id, rule_type, conditions, is_active, notifications,
	alerts_sent_today, alerts_day, last_alert_at, created_at, updated_at`

// CreateRule inserts a rule
func (s *SQLStorage) CreateRule(ctx context.Context, rule *models.MonitoringRule) error {
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = utils.GenerateID()
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditions, err := marshalJSON(rule.Conditions)
	if err != nil {
		return utils.WrapError(utils.ErrCodeValidation, "Failed to marshal rule conditions", err)
	}
	notifications, err := marshalJSON(rule.Notifications)
	if err != nil {
		return utils.WrapError(utils.ErrCodeValidation, "Failed to marshal rule notifications", err)
	}

	_, err = s.exec(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.ContractID, string(rule.RuleType), conditions, rule.IsActive, notifications,
		rule.AlertsSentToday, sql.NullString{}, nullMillis(rule.LastAlertAt),
		millis(rule.CreatedAt), millis(rule.UpdatedAt))
	if err != nil {
		return s.insertError("Rule", err)
	}
	return nil
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func scanRule(row scanner, today string) (*models.MonitoringRule, error) {
	var (
		r                  models.MonitoringRule
		ruleType           string
		conditions, notifs sql.NullString
		day                sql.NullString
		lastAlert          sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&r.ID, &r.ContractID, &ruleType, &conditions, &r.IsActive, &notifs,
		&r.AlertsSentToday, &day, &lastAlert, &created, &updated); err != nil {
		return nil, err
	}
	r.RuleType = models.RuleType(ruleType)
	if err := unmarshalJSON(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
	}
	if err := unmarshalJSON(notifs, &r.Notifications); err != nil {
		return nil, fmt.Errorf("rule %s notifications: %w", r.ID, err)
	}
	if day.String != today {
		r.AlertsSentToday = 0
	}
	r.LastAlertAt = fromNullMillis(lastAlert)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// GetRulesFor returns the active rules of a contract
func (s *SQLStorage) GetRulesFor(ctx context.Context, contractID string) ([]*models.MonitoringRule, error) {
	rows, err := s.query(ctx, "SELECT "+ruleColumns+" FROM rules WHERE contract_id = ? AND is_active = ? ORDER BY created_at, id",
		contractID, true)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get rules", err)
	}
	defer rows.Close()

	today := utcDay(time.Now())
	var rules []*models.MonitoringRule
	for rows.Next() {
		rule, err := scanRule(rows, today)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get rules", err)
	}
	return rules, nil
}

// RecordRuleDispatch bumps the rule's daily counter, restarting it on a new UTC day
func (s *SQLStorage) RecordRuleDispatch(ctx context.Context, ruleID string, at time.Time) error {
	day := utcDay(at)
	result, err := s.exec(ctx, `UPDATE rules SET
			alerts_sent_today = CASE WHEN alerts_day = ? THEN alerts_sent_today + 1 ELSE 1 END,
			alerts_day = ?,
			last_alert_at = ?,
			updated_at = ?
		WHERE id = ?`,
		day, day, millis(at), millis(time.Now()), ruleID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to record rule dispatch", err)
	}
	return s.expectRow(ctx, result, "rules", ruleID)
}

// ---------------------------------------------------------------------------
// Alerts

const alertColumns = `id, contract_id, rule_id, alert_type, severity, title, description, tx_hash,
	block_number, dedup_key, occurred_at, acknowledged, dispatched, metadata`

// AlertExists reports whether rule already raised an alert with dedupKey
func (s *SQLStorage) AlertExists(ctx context.Context, ruleID, dedupKey string) (bool, error) {
	if s.db == nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM alerts WHERE rule_id = ? AND dedup_key = ?", ruleID, dedupKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check alert existence", err)
	}
	return true, nil
}

// CreateAlert inserts an alert; a second alert with the same (rule, dedup key) yields ALREADY_EXISTS
func (s *SQLStorage) CreateAlert(ctx context.Context, alert *models.ContractAlert) error {
	if alert.ID == "" {
		alert.ID = utils.GenerateID()
	}
	if alert.DedupKey == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Alert dedup key is required", alert.ID)
	}

	metadata, err := marshalJSON(alert.Metadata)
	if err != nil {
		return utils.WrapError(utils.ErrCodeValidation, "Failed to marshal alert metadata", err)
	}

	var block sql.NullInt64
	if alert.BlockNumber != nil {
		block = sql.NullInt64{Int64: int64(*alert.BlockNumber), Valid: true}
	}

	_, err = s.exec(ctx, `INSERT INTO alerts (`+alertColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.ContractID, alert.RuleID, string(alert.AlertType), string(alert.Severity),
		alert.Title, nullString(alert.Description), nullString(alert.TxHash), block, alert.DedupKey,
		millis(alert.Timestamp), alert.Acknowledged, alert.Dispatched, metadata, millis(time.Now()))
	if err != nil {
		return s.insertError("Alert", err)
	}
	return nil
}

func scanAlert(row scanner) (*models.ContractAlert, error) {
	var (
		a                         models.ContractAlert
		alertType, severity       string
		description, txHash, meta sql.NullString
		block                     sql.NullInt64
		occurred                  int64
	)
	if err := row.Scan(&a.ID, &a.ContractID, &a.RuleID, &alertType, &severity, &a.Title, &description,
		&txHash, &block, &a.DedupKey, &occurred, &a.Acknowledged, &a.Dispatched, &meta); err != nil {
		return nil, err
	}
	a.AlertType = models.RuleType(alertType)
	a.Severity = models.Severity(severity)
	a.Description = description.String
	a.TxHash = txHash.String
	if block.Valid {
		n := uint64(block.Int64)
		a.BlockNumber = &n
	}
	a.Timestamp = fromMillis(occurred)
	if err := unmarshalJSON(meta, &a.Metadata); err != nil {
		return nil, fmt.Errorf("alert %s metadata: %w", a.ID, err)
	}
	return &a, nil
}

// GetAlerts lists alerts newest first
func (s *SQLStorage) GetAlerts(ctx context.Context, filter AlertFilter) ([]*models.ContractAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, filter.ContractID)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, *filter.Acknowledged)
	}
	if filter.Dispatched != nil {
		where = append(where, "dispatched = ?")
		args = append(args, *filter.Dispatched)
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	query += " ORDER BY occurred_at DESC, created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get alerts", err)
	}
	defer rows.Close()

	var alerts []*models.ContractAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan alert", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get alerts", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as seen
func (s *SQLStorage) AcknowledgeAlert(ctx context.Context, alertID string) error {
	result, err := s.exec(ctx, "UPDATE alerts SET acknowledged = ? WHERE id = ?", true, alertID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to acknowledge alert", err)
	}
	return s.expectRow(ctx, result, "alerts", alertID)
}

// MarkAlertDispatched flags an alert as handed to its channels
func (s *SQLStorage) MarkAlertDispatched(ctx context.Context, alertID string) error {
	result, err := s.exec(ctx, "UPDATE alerts SET dispatched = ? WHERE id = ?", true, alertID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to mark alert dispatched", err)
	}
	return s.expectRow(ctx, result, "alerts", alertID)
}

// ---------------------------------------------------------------------------
// Balance snapshots and cursors

// GetLastBalanceSnapshot returns the most recent snapshot of a contract, or nil
func (s *SQLStorage) GetLastBalanceSnapshot(ctx context.Context, contractID string) (*models.BalanceSnapshot, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	snapshot := models.BalanceSnapshot{ContractID: contractID}
	var observed int64
	err := s.queryRow(ctx, `SELECT balance, observed_at FROM balance_snapshots
		WHERE contract_id = ? ORDER BY observed_at DESC LIMIT 1`, contractID).Scan(&snapshot.Balance, &observed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get balance snapshot", err)
	}
	snapshot.ObservedAt = fromMillis(observed)
	return &snapshot, nil
}

// SaveBalanceSnapshot appends a balance observation
func (s *SQLStorage) SaveBalanceSnapshot(ctx context.Context, snapshot *models.BalanceSnapshot) error {
	_, err := s.exec(ctx, "INSERT INTO balance_snapshots (id, contract_id, balance, observed_at) VALUES (?, ?, ?, ?)",
		utils.GenerateID(), snapshot.ContractID, snapshot.Balance, millis(snapshot.ObservedAt))
	if err != nil {
		return s.insertError("Balance snapshot", err)
	}
	return nil
}

// GetLastProcessedBlock returns the watcher cursor of a contract
func (s *SQLStorage) GetLastProcessedBlock(ctx context.Context, contractID string) (uint64, bool, error) {
	if s.db == nil {
		return 0, false, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	var block int64
	err := s.queryRow(ctx, "SELECT block_number FROM contract_cursors WHERE contract_id = ?", contractID).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to get processed block", err)
	}
	return uint64(block), true, nil
}

// SetLastProcessedBlock upserts the watcher cursor of a contract
func (s *SQLStorage) SetLastProcessedBlock(ctx context.Context, contractID string, block uint64) error {
	query := s.dialect.Upsert("contract_cursors",
		[]string{"contract_id", "block_number", "updated_at"},
		[]string{"contract_id"},
		[]string{"block_number", "updated_at"})
	if _, err := s.exec(ctx, query, contractID, int64(block), millis(time.Now())); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to set processed block", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dispatch bookkeeping and in-app notifications

// SaveDispatchRecord stores the outcome of one channel delivery
func (s *SQLStorage) SaveDispatchRecord(ctx context.Context, record *models.DispatchRecord) error {
	if record.ID == "" {
		record.ID = utils.GenerateID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO alert_dispatches
		(id, alert_id, rule_id, channel, attempts, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.AlertID, record.RuleID, string(record.Channel), record.Attempts,
		string(record.Status), nullString(record.Error), millis(record.CreatedAt))
	if err != nil {
		return s.insertError("Dispatch record", err)
	}
	return nil
}

// HasDelivered reports whether alert already reached channel
func (s *SQLStorage) HasDelivered(ctx context.Context, alertID string, channel models.Channel) (bool, error) {
	if s.db == nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM alert_dispatches WHERE alert_id = ? AND channel = ? AND status = ? LIMIT 1",
		alertID, string(channel), string(models.DispatchDelivered)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check dispatch", err)
	}
	return true, nil
}

// SaveInAppNotification stores a notification for its owner
func (s *SQLStorage) SaveInAppNotification(ctx context.Context, n *models.InAppNotification) error {
	if n.ID == "" {
		n.ID = utils.GenerateID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO notifications
		(id, user_id, alert_id, contract_id, severity, title, message, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.AlertID, n.ContractID, string(n.Severity), n.Title, nullString(n.Message),
		n.Read, millis(n.CreatedAt))
	if err != nil {
		return s.insertError("Notification", err)
	}
	return nil
}

// GetInAppNotifications lists a user's notifications newest first
func (s *SQLStorage) GetInAppNotifications(ctx context.Context, userID string, limit int) ([]*models.InAppNotification, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	rows, err := s.query(ctx, `SELECT id, user_id, alert_id, contract_id, severity, title, message, is_read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get notifications", err)
	}
	defer rows.Close()

	var notifications []*models.InAppNotification
	for rows.Next() {
		var (
			n        models.InAppNotification
			severity string
			message  sql.NullString
			created  int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.AlertID, &n.ContractID, &severity, &n.Title,
			&message, &n.Read, &created); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan notification", err)
		}
		n.Severity = models.Severity(severity)
		n.Message = message.String
		n.CreatedAt = fromMillis(created)
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get notifications", err)
	}
	return notifications, nil
}

// GetStorageStats counts the monitored entities
func (s *SQLStorage) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if s.db == nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	stats := &StorageStats{}
	counts := []struct {
		dest  *int64
		query string
		args  []interface{}
	}{
		{&stats.TotalContracts, "SELECT COUNT(*) FROM contracts", nil},
		{&stats.ActiveContracts, "SELECT COUNT(*) FROM contracts WHERE is_active = ?", []interface{}{true}},
		{&stats.TotalRules, "SELECT COUNT(*) FROM rules", nil},
		{&stats.TotalAlerts, "SELECT COUNT(*) FROM alerts", nil},
		{&stats.UndispatchedAlerts, "SELECT COUNT(*) FROM alerts WHERE dispatched = ?", []interface{}{false}},
		{&stats.UnacknowledgedAlerts, "SELECT COUNT(*) FROM alerts WHERE acknowledged = ?", []interface{}{false}},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get storage stats", err)
		}
	}
	return stats, nil
}
