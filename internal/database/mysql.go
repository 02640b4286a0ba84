package database

import (
	"errors"
	"fmt"
	"time"

	sqlmysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openMySQL(cfg Config) (*gorm.DB, error) {
	dsn, err := mysqlDSN(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// mysqlDSN builds the driver DSN through the driver's own config type, so
// quoting and parameter encoding stay the driver's problem. An explicit DSN
// wins over the structured fields.
func mysqlDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("mysql configuration requires user and database name")
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	dc := sqlmysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = fmt.Sprintf("%s:%d", host, port)
	dc.DBName = cfg.Name
	dc.ParseTime = true
	dc.Loc = time.Local
	dc.Params = map[string]string{"charset": "utf8mb4"}
	for key, value := range cfg.Options {
		dc.Params[key] = value
	}

	return dc.FormatDSN(), nil
}
