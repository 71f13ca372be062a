package db

import (
	"strings"
	"testing"
)

func TestSchemaDefinesLedgerTables(t *testing.T) {
	schema := Schema()
	for _, table := range []string{
		"matrix.users",
		"matrix.wallets",
		"matrix.deposits",
		"matrix.matrix_nodes",
		"matrix.stage_counters",
		"matrix.stage_memberships",
		"matrix.referral_earnings",
		"matrix.wallet_transactions",
		"matrix.stage_progressions",
	} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema is missing %s", table)
		}
	}
	if strings.Contains(schema, "CREATE TABLE "+"matrix.") {
		t.Fatal("every CREATE TABLE must be idempotent")
	}
}
