package triplaketesting

import (
	"testing"

	"github.com/malbeclabs/triplake/ingest/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/triplake/ingest/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// ClientInfo holds a test client and its database name.
type ClientInfo struct {
	Client   clickhouse.Client
	Database string
}

// NewClient returns a client bound to a fresh, randomly named database that is dropped
// when the test ends.
func NewClient(t *testing.T, db *clickhousetesting.DB) clickhouse.Client {
	return NewClientWithInfo(t, db).Client
}

// NewClientWithInfo is NewClient that also reports the database name.
func NewClientWithInfo(t *testing.T, db *clickhousetesting.DB) *ClientInfo {
	info, err := clickhousetesting.NewTestClientWithInfo(t, db)
	require.NoError(t, err)
	return &ClientInfo{
		Client:   info.Client,
		Database: info.Database,
	}
}
