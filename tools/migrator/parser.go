package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned schema change.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a migration named NNN_name.sql.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	filename = path.Base(filename)
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		upMarkerLine = i
		noTransaction = strings.TrimSpace(m[1]) == "notransaction"
		break
	}

	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Depends directives may only appear before the first statement
	var dependencies []int
	sqlStart := upMarkerLine + 1
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			deps := strings.Fields(m[1])
			if len(deps) == 0 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, d := range deps {
				dep, err := strconv.Atoi(d)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", d, filename)
				}
				dependencies = append(dependencies, dep)
			}
			sqlStart = i + 1
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		break
	}

	body := strings.TrimSpace(strings.Join(lines[sqlStart:], "\n"))
	if !hasStatement(body) {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         body,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

// hasStatement reports whether sql contains anything besides comments
func hasStatement(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys, validates
// the set and returns it sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versions := make(map[int]bool)
	for _, m := range migrations {
		if versions[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		versions[m.Version] = true
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	return migrations, nil
}

// detectCycle runs a three-color DFS over the dependency graph.
// White (0) = unvisited, Gray (1) = visiting, Black (2) = done
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int)
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	color := make(map[int]int)

	var dfs func(int, []int) error
	dfs = func(node int, trail []int) error {
		color[node] = 1
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case 1:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case 0:
				if err := dfs(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = 2
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == 0 {
			if err := dfs(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
