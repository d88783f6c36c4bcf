// Package testutil provides shared test helpers and fixtures for toolgate.
//
// Philosophy:
// - Prefer real SQLite (no mocks) for correctness.
// - Keep helpers small, composable, and deterministic.
// - Register cleanup via t.Cleanup so tests stay leak-free.
//
// Most packages should start with:
//
//	database := testutil.NewTestDB(t)
//	entry := testutil.MakeEntry(t, database, testutil.WithRisk("destructive"))
package testutil
