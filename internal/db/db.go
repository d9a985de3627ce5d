// Package db opens the shared gorm handle. A file: DSN selects the pure-Go
// sqlite driver, anything else is treated as a MySQL DSN.
package db

import (
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		return gorm.Open(sqlite.Open(dsn), cfg)
	}
	return gorm.Open(mysql.Open(dsn), cfg)
}
