package controlpanel

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/techize/batchivo-sub001/internal/store"
)

// DatabaseURL picks PROD_DATABASE_URL or DEV_DATABASE_URL.
func DatabaseURL(isProd bool) (string, error) {
	key := "DEV_DATABASE_URL"
	if isProd {
		key = "PROD_DATABASE_URL"
	}
	dbURL, ok := os.LookupEnv(key)
	if !ok || dbURL == "" {
		return "", fmt.Errorf("%s not set", key)
	}
	return dbURL, nil
}

func RunMigrationsUp(isProd bool) error {
	dbURL, err := DatabaseURL(isProd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.New(ctx, dbURL, 1, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Printf("[%s] applying schema (prod=%v)", time.Now().Format(time.RFC3339), isProd)
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Printf("[%s] schema applied", time.Now().Format(time.RFC3339))
	return nil
}

// ResetDBDev drops every table of the dev database and re-applies the schema.
func ResetDBDev() error {
	dbURL, err := DatabaseURL(false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.New(ctx, dbURL, 1, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	return st.Reset(ctx)
}

// Seed loads a YAML fixture and upserts it into the selected database.
func Seed(isProd bool, path string) error {
	f, err := LoadSeed(path)
	if err != nil {
		return err
	}
	dbURL, err := DatabaseURL(isProd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.New(ctx, dbURL, 2, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	if err := ApplySeed(ctx, st.Pool(), f); err != nil {
		return err
	}
	log.Printf("seeded tenant %s: %d materials, %d items, %d runs", f.TenantID, len(f.Materials), len(f.Items), len(f.Runs))
	return nil
}
