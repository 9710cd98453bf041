package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const metaLastBlockID = "last_block_id"

// SQLiteStorage implements logging.LogStorage on top of SQLite so pending
// records survive an agent restart. Use ":memory:" for a throwaway database.
//
// Storage errors are logged and absorbed; callers of the LogStorage methods
// never see them.
type SQLiteStorage struct {
	mu          sync.Mutex
	db          *sql.DB
	maxVolume   int64
	lastBlockID int32
	dropped     int64
}

func NewSQLiteStorage(dsn string, maxVolumeBytes int64) (*SQLiteStorage, error) {
	if maxVolumeBytes <= 0 {
		return nil, fmt.Errorf("%w: max storage volume must be positive, got %d", logging.ErrInvalidConfig, maxVolumeBytes)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, maxVolume: maxVolumeBytes}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover in-flight blocks: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS log_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			block_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS log_meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_block_id ON log_records(block_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// recover returns blocks that were in flight when the process stopped to
// the pending queue and restores the block id counter.
func (s *SQLiteStorage) recover() error {
	res, err := s.db.Exec(`UPDATE log_records SET block_id = NULL WHERE block_id IS NOT NULL`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("records", n).Msg("Requeued records from unfinished blocks")
	}

	var last int64
	err = s.db.QueryRow(`SELECT value FROM log_meta WHERE key = ?`, metaLastBlockID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.lastBlockID = 0
	case err != nil:
		return err
	default:
		s.lastBlockID = int32(last)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Status() logging.StorageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := logging.StorageStatus{DroppedCount: s.dropped}
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM log_records WHERE block_id IS NULL`,
	).Scan(&status.RecordCount, &status.ConsumedVolume)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read pending log status")
		return status
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM log_records WHERE block_id IS NOT NULL`,
	).Scan(&status.InFlightCount)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read in-flight log status")
	}
	return status
}

func (s *SQLiteStorage) AddLogRecord(record logging.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Size > s.maxVolume {
		s.dropped++
		log.Warn().
			Int64("size", record.Size).
			Int64("max_volume", s.maxVolume).
			Msg("Log record exceeds storage volume, dropping it")
		return
	}

	if err := s.insert(record); err != nil {
		log.Error().Err(err).Msg("Failed to store log record")
	}
}

func (s *SQLiteStorage) insert(record logging.LogRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var volume int64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(size), 0) FROM log_records WHERE block_id IS NULL`,
	).Scan(&volume); err != nil {
		return fmt.Errorf("read volume: %w", err)
	}

	evicted := 0
	for volume+record.Size > s.maxVolume {
		var id, size int64
		err := tx.QueryRow(
			`SELECT id, size FROM log_records WHERE block_id IS NULL ORDER BY id LIMIT 1`,
		).Scan(&id, &size)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return fmt.Errorf("find oldest record: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM log_records WHERE id = ?`, id); err != nil {
			return fmt.Errorf("drop oldest record: %w", err)
		}
		volume -= size
		evicted++
	}

	if _, err := tx.Exec(
		`INSERT INTO log_records (data, size) VALUES (?, ?)`, record.Data, record.Size,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if evicted > 0 {
		s.dropped += int64(evicted)
		log.Warn().Int("evicted", evicted).Msg("Log storage full, dropped oldest records")
	}
	return nil
}

func (s *SQLiteStorage) GetRecordBlock(limitBytes int64) *logging.LogBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limitBytes <= 0 {
		return nil
	}
	block, err := s.takeBlock(limitBytes)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build log block")
		return nil
	}
	return block
}

func (s *SQLiteStorage) takeBlock(limitBytes int64) (*logging.LogBlock, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, data, size FROM log_records WHERE block_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}

	var (
		ids       []int64
		records   []logging.LogRecord
		blockSize int64
	)
	for rows.Next() {
		var (
			id     int64
			record logging.LogRecord
		)
		if err := rows.Scan(&id, &record.Data, &record.Size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if blockSize+record.Size > limitBytes && len(records) > 0 {
			break
		}
		ids = append(ids, id)
		records = append(records, record)
		blockSize += record.Size
		// oversized head record travels alone
		if blockSize > limitBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(records) == 0 {
		return nil, nil
	}

	blockID, err := s.nextBlockID(tx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE log_records SET block_id = ? WHERE id = ?`, blockID, id); err != nil {
			return nil, fmt.Errorf("assign block: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO log_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastBlockID, blockID,
	); err != nil {
		return nil, fmt.Errorf("persist block id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.lastBlockID = blockID
	return &logging.LogBlock{ID: blockID, Records: records}, nil
}

func (s *SQLiteStorage) nextBlockID(tx *sql.Tx) (int32, error) {
	candidate := s.lastBlockID
	for {
		if candidate == math.MaxInt32 {
			candidate = 0
		}
		candidate++

		var busy int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM log_records WHERE block_id = ?`, candidate,
		).Scan(&busy)
		if err != nil {
			return 0, fmt.Errorf("check block id: %w", err)
		}
		if busy == 0 {
			return candidate, nil
		}
	}
}

func (s *SQLiteStorage) RemoveRecordBlock(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM log_records WHERE block_id = ?`, id); err != nil {
		log.Error().Err(err).Int32("block_id", id).Msg("Failed to remove log block")
	}
}

func (s *SQLiteStorage) NotifyUploadFailed(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE log_records SET block_id = NULL WHERE block_id = ?`, id); err != nil {
		log.Error().Err(err).Int32("block_id", id).Msg("Failed to requeue log block")
	}
}
