package deployments_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberlane/sponsorkit/internal/deployments"
)

func TestRegistry_SaveAndLoad(t *testing.T) {
	registry, err := deployments.NewRegistry(t.TempDir())
	require.NoError(t, err)

	saved, err := registry.Save(deployments.Record{
		Network:  "devnet",
		ChainID:  31337,
		Contract: "BatchDelegate",
		Address:  common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		TxHash:   common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.DeployedAt.IsZero())

	loaded, err := registry.Load("devnet", "BatchDelegate")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, loaded.ID)
	assert.Equal(t, saved.Address, loaded.Address)
	assert.EqualValues(t, 31337, loaded.ChainID)
	assert.WithinDuration(t, saved.DeployedAt, loaded.DeployedAt, time.Second)
}

func TestRegistry_LoadMissing(t *testing.T) {
	registry, err := deployments.NewRegistry(t.TempDir())
	require.NoError(t, err)

	_, err = registry.Load("devnet", "Unknown")
	assert.ErrorIs(t, err, deployments.ErrNotFound)
}

func TestRegistry_SaveReplacesExisting(t *testing.T) {
	registry, err := deployments.NewRegistry(t.TempDir())
	require.NoError(t, err)

	first := common.HexToAddress("0x1111111111111111111111111111111111111111")
	second := common.HexToAddress("0x2222222222222222222222222222222222222222")

	_, err = registry.Save(deployments.Record{Network: "devnet", Contract: "Token", Address: first})
	require.NoError(t, err)
	_, err = registry.Save(deployments.Record{Network: "devnet", Contract: "Token", Address: second})
	require.NoError(t, err)

	loaded, err := registry.Load("devnet", "Token")
	require.NoError(t, err)
	assert.Equal(t, second, loaded.Address)

	records, err := registry.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRegistry_ListSorted(t *testing.T) {
	registry, err := deployments.NewRegistry(t.TempDir())
	require.NoError(t, err)

	for _, rec := range []deployments.Record{
		{Network: "sepolia", Contract: "Token"},
		{Network: "devnet", Contract: "Token"},
		{Network: "devnet", Contract: "BatchDelegate"},
	} {
		_, err := registry.Save(rec)
		require.NoError(t, err)
	}

	records, err := registry.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "BatchDelegate", records[0].Contract)
	assert.Equal(t, "devnet", records[0].Network)
	assert.Equal(t, "Token", records[1].Contract)
	assert.Equal(t, "sepolia", records[2].Network)
}
