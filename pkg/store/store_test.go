package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
	testdb "github.com/runforge/runforge/test/database"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	client := testdb.NewTestClient(t)
	return store.New(client.Pool())
}

func testScope() models.Scope {
	project := "proj-1"
	return models.Scope{OrgID: "org-1", UserID: "user-1", ProjectID: &project}
}

func createRun(t *testing.T, st *store.Store, mutate func(*store.CreateRunParams)) *models.Run {
	t.Helper()
	p := store.CreateRunParams{
		Scope:      testScope(),
		SessionKey: "sess-1",
		Input:      "do the thing",
		AgentID:    "assistant",
	}
	if mutate != nil {
		mutate(&p)
	}
	run, err := st.CreateRun(context.Background(), p)
	require.NoError(t, err)
	return run
}

func claimRun(t *testing.T, st *store.Store, runID, podID string) *models.Run {
	t.Helper()
	run, err := st.ClaimRunning(context.Background(), runID, podID)
	require.NoError(t, err)
	return run
}
