package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// migrationPattern matches 0001_name.sql.
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is one SQL file with its placeholders resolved.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Plan splits the files into those to run and those whose content changed
// after they were applied.
type Plan struct {
	Pending []Migration
	Applied []Migration
	Drifted []Migration
}

// parseFilename returns the version and name encoded in a migration file name.
func parseFilename(filename string) (int, string, bool) {
	m := migrationPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil || version == 0 {
		return 0, "", false
	}
	return version, m[2], true
}

// readMigrations loads dir/NNNN_name.sql in version order. {{PROJECT_ID}} and
// {{DATASET_ID}} are substituted; the checksum covers the file as written so
// it does not depend on the target dataset.
func readMigrations(dir, projectID, datasetID string) ([]Migration, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var (
		migrations []Migration
		skipped    []string
		seen       = make(map[int]string)
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseFilename(e.Name())
		if !ok {
			skipped = append(skipped, e.Name())
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("reading file %s: %w", e.Name(), err)
		}
		sql := strings.NewReplacer("{{PROJECT_ID}}", projectID, "{{DATASET_ID}}", datasetID).Replace(string(content))

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, skipped, nil
}

// plan compares the files against what schema_migrations records.
func plan(migrations []Migration, applied []AppliedMigration) Plan {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	var p Plan
	for _, m := range migrations {
		am, ok := byVersion[m.Version]
		switch {
		case !ok:
			p.Pending = append(p.Pending, m)
		case am.Checksum != "" && am.Checksum != m.Checksum:
			p.Drifted = append(p.Drifted, m)
		default:
			p.Applied = append(p.Applied, m)
		}
	}
	return p
}
