package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangson92/licensegate/internal/database/testutil"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

func TestAppCreateAndLookup(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAppService(db)
	require.NoError(t, err)

	code := "App-" + uuid.NewString()
	created, err := svc.Create(context.Background(), CreateAppInput{Code: code, Name: "My App"})
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(code), created.Code)

	loaded, err := svc.GetByCode(context.Background(), strings.ToUpper(code))
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
}

func TestAppCreateRejectsDuplicateCode(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAppService(db)
	require.NoError(t, err)

	code := "app-" + uuid.NewString()
	_, err = svc.Create(context.Background(), CreateAppInput{Code: code, Name: "First"})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateAppInput{Code: code, Name: "Second"})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "app_code_taken", appErr.Code)
}

func TestAppCreateValidation(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAppService(db)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateAppInput{Code: "", Name: "Nameless"})
	require.Error(t, err)

	_, err = svc.Create(context.Background(), CreateAppInput{Code: "codeonly", Name: "  "})
	require.Error(t, err)
}

func TestAppGetByCodeNotFound(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAppService(db)
	require.NoError(t, err)

	_, err = svc.GetByCode(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, apperrors.ErrAppNotFound)
}
