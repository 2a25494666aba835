package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/lora-trans/logger"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStorage 表示MySQL数据库存储后端
type MySQLStorage struct {
	db       *sql.DB
	dsn      string
	database string
	insert   string
}

// NewMySQLStorage 创建一个新的MySQL存储后端
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	// 解析DSN获取数据库名
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN: %w", err)
	}

	// 先连接到MySQL服务器（不指定数据库）
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL server: %w", err)
	}
	defer serverDB.Close()

	// 创建数据库（如果不存在）
	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", database, err)
	}

	logger.Info("MySQL database %s is present", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect MySQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping MySQL database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &MySQLStorage{
		db:       db,
		dsn:      dsn,
		database: database,
		insert:   insertSQL(func(int) string { return "?" }),
	}

	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init MySQL database: %w", err)
	}

	logger.Info("MySQL storage ready")
	return storage, nil
}

// parseMySQLDSN 解析MySQL DSN字符串，提取数据库名和不包含数据库的DSN
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	// 最后一部分可能包含参数
	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase 初始化数据库和表
func (ms *MySQLStorage) InitDatabase() error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS bridge_messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		message_id CHAR(36) NOT NULL,
		device_name VARCHAR(255) NOT NULL,
		topic VARCHAR(255) NOT NULL,
		received_at DATETIME(3) NOT NULL,
		fields JSON,
		document JSON NULL,
		status VARCHAR(16) NOT NULL,
		error TEXT,
		raw MEDIUMTEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uk_message_id (message_id),
		INDEX idx_device_name (device_name),
		INDEX idx_received_at (received_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", messageTable, err)
	}

	logger.Info("MySQL table %s ready", messageTable)
	return nil
}

// Store 将数据存储到MySQL数据库
func (ms *MySQLStorage) Store(ctx context.Context, entry Entry) error {
	args, err := entryRow(entry)
	if err != nil {
		return err
	}

	if _, err := ms.db.ExecContext(ctx, ms.insert, args...); err != nil {
		return fmt.Errorf("insert message %s: %w", entry.MessageID, err)
	}

	logger.Debug("stored message %s from %s in MySQL", entry.MessageID, entry.DeviceName)
	return nil
}

// Close 关闭数据库连接
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("close MySQL connection: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
