package database

import (
	"testing"
	"time"

	"github.com/arklim/storefront-auth/internal/infra/config"
)

func TestPoolConfigEscapesCredentials(t *testing.T) {
	pc, err := poolConfig(config.PostgresSettings{
		Host:     "db.internal",
		Port:     5433,
		User:     "auth",
		Password: "p@ss/w:rd?#",
		Database: "storefront",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("poolConfig returned error: %v", err)
	}

	conn := pc.ConnConfig
	if conn.Password != "p@ss/w:rd?#" {
		t.Fatalf("password not preserved: %q", conn.Password)
	}
	if conn.Host != "db.internal" || conn.Port != 5433 || conn.Database != "storefront" || conn.User != "auth" {
		t.Fatalf("unexpected connection target: %s@%s:%d/%s", conn.User, conn.Host, conn.Port, conn.Database)
	}
	if got := conn.RuntimeParams["search_path"]; got != "auth,public" {
		t.Fatalf("unexpected search_path %q", got)
	}
}

func TestPoolConfigAppliesPoolLimits(t *testing.T) {
	pc, err := poolConfig(config.PostgresSettings{
		Host:            "localhost",
		Port:            5432,
		User:            "auth",
		Database:        "storefront",
		SSLMode:         "disable",
		MaxConns:        7,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("poolConfig returned error: %v", err)
	}
	if pc.MaxConns != 7 || pc.MinConns != 2 || pc.MaxConnLifetime != time.Hour {
		t.Fatalf("pool limits not applied: max=%d min=%d lifetime=%s", pc.MaxConns, pc.MinConns, pc.MaxConnLifetime)
	}
}
