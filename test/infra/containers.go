package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// PGContainer is a disposable PostgreSQL. The zero value stands for an
// external database and terminates nothing.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a PostgreSQL 16 container and returns its DSN.
// overrideDSN, then VENDORFLOW_STRESS_PG_DSN, short-circuit to an existing
// database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("VENDORFLOW_STRESS_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("vendorflow"),
		postgres.WithUsername("vendorflow"),
		postgres.WithPassword("vendorflow"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithEnv(map[string]string{"TZ": "UTC"}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", postgresImage, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
