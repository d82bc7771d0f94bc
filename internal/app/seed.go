package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"statusboard/internal/storage"
)

// seedFile is the YAML layout accepted by --seed:
//
//	users:
//	  - alice
//	  - bob
type seedFile struct {
	Users []string `yaml:"users"`
}

func loadSeedFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return seed.Users, nil
}

// seedUsers creates the users listed in path that do not exist yet.
func seedUsers(ctx context.Context, store *storage.Store, path string) (int, error) {
	names, err := loadSeedFile(path)
	if err != nil {
		return 0, err
	}
	return store.SeedUsers(ctx, names)
}
