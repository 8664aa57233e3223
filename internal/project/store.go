// Package project persists generated entities and scenes for one
// project. The engine writes here after each successful generation and
// never inspects the on-disk representation.
package project

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EntityFields is the structured payload for a created entity. Kind is
// one of "character", "location", "item".
type EntityFields struct {
	Name  string
	Role  string
	Brief string
}

type Entity struct {
	ID          string
	Kind        string
	Name        string
	Role        string
	Brief       string
	Description string
}

// Scene is one persisted scene row. Position is the outline order within
// its chapter.
type Scene struct {
	ID        string
	Chapter   int
	Position  int
	Goal      string
	Conflict  string
	Outcome   string
	POV       string
	Location  string
	Content   string
	WordCount int
}

// Store wraps a SQLite database holding one project's entities and
// scenes.
type Store struct {
	db      *sql.DB
	project string
}

// Open opens (or creates) the project database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for tests.
func Open(dataDir, project string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, project+".db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under the write-heavy
	// phase loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, project: project}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	idx := strings.Index(base, "_")
	if idx < 0 {
		idx = len(base)
	}
	version, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", name, err)
	}
	return version, nil
}

// CreateEntity inserts a new entity and returns its generated ID.
func (s *Store) CreateEntity(ctx context.Context, kind string, fields EntityFields) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, project, kind, name, role, brief, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		id, s.project, kind, fields.Name, fields.Role, fields.Brief, now, now)
	if err != nil {
		return "", fmt.Errorf("creating entity %q: %w", fields.Name, err)
	}

	return id, nil
}

// SetDescription stores the full generated description for an entity.
func (s *Store) SetDescription(ctx context.Context, entityID, text string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET description = ?, updated_at = ? WHERE id = ?`,
		text, now, entityID)
	if err != nil {
		return fmt.Errorf("setting description for %s: %w", entityID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update for %s: %w", entityID, err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s not found", entityID)
	}

	return nil
}

// AppendScene inserts a scene at the next position within its chapter and
// returns the generated scene ID.
func (s *Store) AppendScene(ctx context.Context, chapter int, scene Scene) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	var maxPos sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM scenes WHERE project = ? AND chapter = ?`,
		s.project, chapter).Scan(&maxPos); err != nil {
		return "", fmt.Errorf("finding scene position: %w", err)
	}
	position := 0
	if maxPos.Valid {
		position = int(maxPos.Int64) + 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenes (id, project, chapter, position, goal, conflict, outcome, pov, location, content, word_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.project, chapter, position,
		scene.Goal, scene.Conflict, scene.Outcome, scene.POV, scene.Location,
		scene.Content, scene.WordCount, now)
	if err != nil {
		return "", fmt.Errorf("appending scene to chapter %d: %w", chapter, err)
	}

	return id, nil
}

// UpdateSceneContent replaces a scene's content after an editorial pass.
func (s *Store) UpdateSceneContent(ctx context.Context, sceneID, content string, wordCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenes SET content = ?, word_count = ? WHERE id = ?`,
		content, wordCount, sceneID)
	if err != nil {
		return fmt.Errorf("updating scene %s: %w", sceneID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update for %s: %w", sceneID, err)
	}
	if affected == 0 {
		return fmt.Errorf("scene %s not found", sceneID)
	}

	return nil
}

// ListEntities returns every entity of one kind, insertion-ordered.
func (s *Store) ListEntities(ctx context.Context, kind string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, role, brief, description FROM entities
		 WHERE project = ? AND kind = ? ORDER BY created_at, id`,
		s.project, kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s entities: %w", kind, err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Role, &e.Brief, &e.Description); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, e)
	}

	return entities, rows.Err()
}

// ChapterScenes returns the scenes of one chapter in outline order.
func (s *Store) ChapterScenes(ctx context.Context, chapter int) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chapter, position, goal, conflict, outcome, pov, location, content, word_count
		 FROM scenes WHERE project = ? AND chapter = ? ORDER BY position`,
		s.project, chapter)
	if err != nil {
		return nil, fmt.Errorf("listing scenes for chapter %d: %w", chapter, err)
	}
	defer rows.Close()

	var scenes []Scene
	for rows.Next() {
		var sc Scene
		if err := rows.Scan(&sc.ID, &sc.Chapter, &sc.Position, &sc.Goal, &sc.Conflict,
			&sc.Outcome, &sc.POV, &sc.Location, &sc.Content, &sc.WordCount); err != nil {
			return nil, fmt.Errorf("scanning scene: %w", err)
		}
		scenes = append(scenes, sc)
	}

	return scenes, rows.Err()
}

// ExportManuscript concatenates every scene in chapter then outline order
// into one plain-text manuscript.
func (s *Store) ExportManuscript(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter, content FROM scenes WHERE project = ? ORDER BY chapter, position`,
		s.project)
	if err != nil {
		return "", fmt.Errorf("exporting manuscript: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	lastChapter := -1
	for rows.Next() {
		var chapter int
		var content string
		if err := rows.Scan(&chapter, &content); err != nil {
			return "", fmt.Errorf("scanning scene content: %w", err)
		}
		if chapter != lastChapter {
			fmt.Fprintf(&b, "\n\nChapter %d\n\n", chapter)
			lastChapter = chapter
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	return strings.TrimSpace(b.String()), rows.Err()
}

// Persist forces a WAL checkpoint so everything written so far survives a
// process kill.
func (s *Store) Persist(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing database: %w", err)
	}
	return nil
}
