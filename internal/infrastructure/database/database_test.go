package database

import (
	"testing"

	"coursepay/internal/config"
	"coursepay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenInMemory_Migrates(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)

	for _, m := range model.All() {
		assert.True(t, db.Migrator().HasTable(m), "%T", m)
	}
}

func TestOpenInMemory_IsIsolated(t *testing.T) {
	a, err := OpenInMemory()
	require.NoError(t, err)
	b, err := OpenInMemory()
	require.NoError(t, err)

	require.NoError(t, a.Create(&model.Wallet{OwnerID: "u1", OwnerType: model.OwnerTypeUser, Currency: "usd"}).Error)

	var count int64
	require.NoError(t, b.Model(&model.Wallet{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported")
}
