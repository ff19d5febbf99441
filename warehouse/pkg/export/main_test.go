package export

import (
	"context"
	"os"
	"testing"

	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	log := fdwtesting.NewLogger()
	var err error

	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Warn("clickhouse container unavailable, skipping export tests", "error", err)
		sharedDB = nil
	}

	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func testClickHouseClient(t *testing.T) clickhouse.Client {
	t.Helper()
	if sharedDB == nil {
		t.Skip("clickhouse container unavailable")
	}
	return clickhousetesting.NewTestClient(t, sharedDB)
}
