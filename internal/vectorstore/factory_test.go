package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Provider = "pinecone"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.CallTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Provider = "qdrant"
	cfg.Qdrant.Host = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestNew_Chromem(t *testing.T) {
	store, err := New(DefaultConfig(), 8, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	cs, ok := store.(*ChromemStore)
	require.True(t, ok)
	assert.Equal(t, 8, cs.config.VectorSize)
	assert.Equal(t, DefaultConfig().CallTimeout, cs.config.CallTimeout)
}
