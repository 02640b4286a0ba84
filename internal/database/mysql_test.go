package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSNDefaults(t *testing.T) {
	dsn, err := mysqlDSN(Config{User: "app", Password: "secret", Name: "licenses"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "app:secret@tcp(127.0.0.1:3306)/licenses")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestMySQLDSNRequiresUserAndName(t *testing.T) {
	_, err := mysqlDSN(Config{Host: "db.internal"})
	require.Error(t, err)
}

func TestMySQLDSNPassthrough(t *testing.T) {
	dsn, err := mysqlDSN(Config{DSN: "app:pw@tcp(db:3306)/x"})
	require.NoError(t, err)
	assert.Equal(t, "app:pw@tcp(db:3306)/x", dsn)
}
