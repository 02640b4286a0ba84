package licensing

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dangson92/licensegate/internal/database/testutil"
	"github.com/dangson92/licensegate/internal/models"
)

var keyLayout = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestGenerateKeyLayout(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		key := GenerateKey()
		require.Len(t, key, 36)
		require.Regexp(t, keyLayout, key)

		_, dup := seen[key]
		require.False(t, dup, "generated duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestKeyGeneratorChecksStore(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	gen, err := NewKeyGenerator(db)
	require.NoError(t, err)

	key, err := gen.Generate(context.Background())
	require.NoError(t, err)
	require.Regexp(t, keyLayout, key)

	var count int64
	require.NoError(t, db.Model(&models.License{}).Where("key = ?", key).Count(&count).Error)
	require.Zero(t, count)
}

func TestKeyGeneratorRequiresDB(t *testing.T) {
	_, err := NewKeyGenerator(nil)
	require.Error(t, err)
}
