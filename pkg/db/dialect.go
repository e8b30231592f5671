package db

import (
	"fmt"
	"net"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/smallbiznis/allocledger/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultSQLiteFile = "allocledger.db"

// Dialect picks the gorm dialector for cfg.DBType. Every DSN pins the
// session time zone to UTC so stored timestamps compare as instants.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres", "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case "mysql":
		return mysql.Open(mysqlDSN(cfg)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" || name == "postgres" {
			name = defaultSQLiteFile
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	pairs := []struct{ key, value string }{
		{"host", cfg.DBHost},
		{"port", cfg.DBPort},
		{"user", cfg.DBUser},
		{"password", cfg.DBPassword},
		{"dbname", cfg.DBName},
		{"sslmode", cfg.DBSSLMode},
		{"TimeZone", "UTC"},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a libpq keyword value when it holds spaces, quotes
// or backslashes.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func mysqlDSN(cfg config.Config) string {
	my := mysqldriver.NewConfig()
	my.User = cfg.DBUser
	my.Passwd = cfg.DBPassword
	my.Net = "tcp"
	my.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	my.DBName = cfg.DBName
	my.ParseTime = true
	my.Loc = time.UTC
	my.Params = map[string]string{"charset": "utf8mb4"}
	return my.FormatDSN()
}

// SupportsRowLocks reports whether the dialect honours SELECT ... FOR UPDATE.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
