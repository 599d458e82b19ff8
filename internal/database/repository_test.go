package database

import (
	"context"
	"testing"
	"time"

	"chain-registry-go/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*ChainStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewChainStoreFromDB(sqlx.NewDb(db, "sqlmock"))
	store.reloadDelay = 10 * time.Millisecond
	return store, mockDB
}

func expectAllChains(mockDB sqlmock.Sqlmock) {
	mockDB.ExpectQuery("SELECT (.+) FROM chains ORDER BY id").WillReturnRows(
		sqlmock.NewRows([]string{"id", "parent_id", "name", "icon", "types_url", "types_overrides_common",
			"external_api", "address_prefix", "is_ethereum_based", "is_testnet", "has_crowdloans"}).
			AddRow("polkadot", "", "Polkadot", "dot.svg", "https://types/polkadot.json", false,
				[]byte(`{"history":{"type":"SUBQUERY","url":"https://history"}}`), 0, false, false, true).
			AddRow("westend", "", "Westend", "", "", false, nil, 42, false, true, false),
	)
	mockDB.ExpectQuery("SELECT (.+) FROM chain_nodes ORDER BY").WillReturnRows(
		sqlmock.NewRows([]string{"chain_id", "url", "name", "is_active", "is_default", "position"}).
			AddRow("polkadot", "wss://rpc.polkadot.io", "Parity", true, true, 0).
			AddRow("polkadot", "wss://custom", "Mine", false, false, 1).
			AddRow("westend", "wss://westend", "Parity", false, true, 0),
	)
	mockDB.ExpectQuery("SELECT (.+) FROM chain_assets ORDER BY").WillReturnRows(
		sqlmock.NewRows([]string{"chain_id", "id", "symbol", "name", "icon_url", "precision", "price_id",
			"staking", "price_providers", "existential_deposit", "position"}).
			AddRow("polkadot", "0", "DOT", "Polkadot", "", 10, "polkadot", "RELAYCHAIN",
				[]byte(`["coingecko"]`), "10000000000", 0),
	)
}

func TestAllChains_JoinsNodesAndAssets(t *testing.T) {
	store, mockDB := newMockStore(t)
	expectAllChains(mockDB)

	chains, err := store.AllChains(context.Background())
	require.NoError(t, err)
	require.Len(t, chains, 2)

	dot := chains[0]
	assert.Equal(t, "polkadot", dot.ID)
	require.NotNil(t, dot.Types)
	assert.Equal(t, "https://types/polkadot.json", dot.Types.URL)
	require.NotNil(t, dot.ExternalAPI)
	assert.Equal(t, models.SectionSubquery, dot.ExternalAPI.History.Type)
	assert.True(t, dot.HasCrowdloans)
	require.Len(t, dot.Nodes, 2)
	assert.True(t, dot.Nodes[0].IsActive)
	assert.False(t, dot.Nodes[1].IsDefault)
	require.Len(t, dot.Assets, 1)
	assert.Equal(t, models.StakingRelaychain, dot.Assets[0].Staking)
	assert.Equal(t, []string{"coingecko"}, dot.Assets[0].PriceProviders)
	assert.Equal(t, "10000000000", dot.Assets[0].ExistentialDeposit.String())

	westend := chains[1]
	assert.Nil(t, westend.Types)
	assert.Nil(t, westend.ExternalAPI)
	assert.True(t, westend.IsTestNet)
	assert.Empty(t, westend.Assets)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestWatchChains_ReemitsAfterChange(t *testing.T) {
	store, mockDB := newMockStore(t)
	expectAllChains(mockDB)
	expectAllChains(mockDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := store.WatchChains(ctx)
	first := <-stream
	assert.Len(t, first, 2)

	store.NotifyChanged()
	select {
	case second := <-stream:
		assert.Len(t, second, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no re-emission")
	}

	cancel()
	_, open := <-stream
	assert.False(t, open)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestRuntimeInfo(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()

	mockDB.ExpectQuery("SELECT chain_id, synced_version, remote_version FROM chain_runtimes").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"chain_id", "synced_version", "remote_version"}))
	info, err := store.RuntimeInfo(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, info)

	mockDB.ExpectQuery("SELECT chain_id, synced_version, remote_version FROM chain_runtimes").
		WithArgs("kusama").
		WillReturnRows(sqlmock.NewRows([]string{"chain_id", "synced_version", "remote_version"}).
			AddRow("kusama", nil, 9430))
	info, err = store.RuntimeInfo(ctx, "kusama")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Nil(t, info.SyncedVersion)
	assert.Equal(t, 9430, info.RemoteVersion)
	assert.False(t, info.InSync())

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTypes_NullIsNotFound(t *testing.T) {
	store, mockDB := newMockStore(t)

	mockDB.ExpectQuery("SELECT types FROM chain_runtimes").
		WithArgs("kusama").
		WillReturnRows(sqlmock.NewRows([]string{"types"}).AddRow(nil))

	_, err := store.Types(context.Background(), "kusama")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestSaveTypes_SkipsUnchanged(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()
	raw := []byte(`{"types":{}}`)

	mockDB.ExpectQuery("SELECT types FROM chain_runtimes").
		WithArgs("kusama").
		WillReturnRows(sqlmock.NewRows([]string{"types"}).AddRow(raw))

	changed, err := store.SaveTypes(ctx, "kusama", raw)
	require.NoError(t, err)
	assert.False(t, changed)

	mockDB.ExpectQuery("SELECT types FROM chain_runtimes").
		WithArgs("kusama").
		WillReturnRows(sqlmock.NewRows([]string{"types"}).AddRow(raw))
	mockDB.ExpectExec("INSERT INTO chain_runtimes").
		WithArgs("kusama", []byte(`{"types":{"A":"u8"}}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err = store.SaveTypes(ctx, "kusama", []byte(`{"types":{"A":"u8"}}`))
	require.NoError(t, err)
	assert.True(t, changed)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestUpdateRuntimeVersions(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()

	mockDB.ExpectExec("INSERT INTO chain_runtimes \\(chain_id, remote_version\\)").
		WithArgs("kusama", 9430).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO chain_runtimes \\(chain_id, synced_version, remote_version\\)").
		WithArgs("kusama", 9430).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateRemoteRuntimeVersion(ctx, "kusama", 9430))
	require.NoError(t, store.UpdateSyncedRuntimeVersion(ctx, "kusama", 9430))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestApplyChains(t *testing.T) {
	store, mockDB := newMockStore(t)

	chain := models.Chain{
		ID:    "kusama",
		Name:  "Kusama",
		Nodes: []models.Node{{URL: "wss://kusama", Name: "Parity"}},
		Assets: []models.Asset{
			{ID: "0", ChainID: "kusama", Symbol: "KSM", Precision: 12, Staking: models.StakingRelaychain},
		},
	}

	mockDB.ExpectBegin()
	mockDB.ExpectExec("DELETE FROM chains WHERE id IN").
		WithArgs("rococo").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO chains").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("DELETE FROM chain_nodes WHERE chain_id = (.+) AND is_default AND url NOT IN").
		WithArgs("kusama", "wss://kusama").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectExec("INSERT INTO chain_nodes").
		WithArgs("kusama", "wss://kusama", "Parity", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("DELETE FROM chain_assets").
		WithArgs("kusama").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO chain_assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	err := store.ApplyChains(context.Background(), []models.Chain{chain}, []string{"rococo"})
	require.NoError(t, err)
	assert.NoError(t, mockDB.ExpectationsWereMet())

	// nothing to do, nothing touched
	require.NoError(t, store.ApplyChains(context.Background(), nil, nil))
}

func TestSelectNode(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()
	id := models.NodeID{ChainID: "polkadot", URL: "wss://b"}
	nodeCols := []string{"url", "name", "is_active", "is_default"}

	// already active: no write
	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://b").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://b", "B", true, true))
	mockDB.ExpectQuery("SELECT url FROM chain_nodes WHERE chain_id = (.+) AND is_active").
		WithArgs("polkadot").
		WillReturnRows(sqlmock.NewRows([]string{"url"}).AddRow("wss://b"))
	require.NoError(t, store.SelectNode(ctx, id))

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://b").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://b", "B", false, true))
	mockDB.ExpectQuery("SELECT url FROM chain_nodes WHERE chain_id = (.+) AND is_active").
		WithArgs("polkadot").
		WillReturnRows(sqlmock.NewRows([]string{"url"}).AddRow("wss://a"))
	mockDB.ExpectExec("UPDATE chain_nodes SET is_active").
		WithArgs("polkadot", "wss://b").
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, store.SelectNode(ctx, id))

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://missing").
		WillReturnRows(sqlmock.NewRows(nodeCols))
	err := store.SelectNode(ctx, models.NodeID{ChainID: "polkadot", URL: "wss://missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestInsertAndDeleteNode(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()
	nodeCols := []string{"url", "name", "is_active", "is_default"}

	mockDB.ExpectExec("INSERT INTO chain_nodes").
		WithArgs("polkadot", "wss://mine", "Mine").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.InsertNode(ctx, "polkadot", models.Node{URL: "wss://mine", Name: "Mine"}))

	mockDB.ExpectExec("INSERT INTO chain_nodes").
		WithArgs("polkadot", "wss://mine", "Mine").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.InsertNode(ctx, "polkadot", models.Node{URL: "wss://mine", Name: "Mine"})
	assert.ErrorIs(t, err, ErrNodeExists)

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://rpc.polkadot.io").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://rpc.polkadot.io", "Parity", true, true))
	err = store.DeleteNode(ctx, models.NodeID{ChainID: "polkadot", URL: "wss://rpc.polkadot.io"})
	assert.ErrorIs(t, err, ErrDefaultNode)

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://mine").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://mine", "Mine", false, false))
	mockDB.ExpectExec("DELETE FROM chain_nodes").
		WithArgs("polkadot", "wss://mine").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteNode(ctx, models.NodeID{ChainID: "polkadot", URL: "wss://mine"}))

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestUpdateNode_SkipsUnchanged(t *testing.T) {
	store, mockDB := newMockStore(t)
	ctx := context.Background()
	id := models.NodeID{ChainID: "polkadot", URL: "wss://mine"}
	nodeCols := []string{"url", "name", "is_active", "is_default"}

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://mine").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://mine", "Mine", false, false))
	require.NoError(t, store.UpdateNode(ctx, id, "Mine", "wss://mine"))

	mockDB.ExpectQuery("SELECT url, name, is_active, is_default FROM chain_nodes").
		WithArgs("polkadot", "wss://mine").
		WillReturnRows(sqlmock.NewRows(nodeCols).AddRow("wss://mine", "Mine", false, false))
	mockDB.ExpectExec("UPDATE chain_nodes SET name").
		WithArgs("polkadot", "wss://mine", "Renamed", "wss://mine2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateNode(ctx, id, "Renamed", "wss://mine2"))

	assert.NoError(t, mockDB.ExpectationsWereMet())
}
