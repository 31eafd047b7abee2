package migrate

import (
	"regexp"
	"strings"
	"testing"

	"batchline/internal/db"
)

func TestMigrationsLoadInOrder(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if len(ms) == 0 {
			t.Fatalf("%s: no migrations", d)
		}
		for i := 1; i < len(ms); i++ {
			if ms[i].Version <= ms[i-1].Version {
				t.Fatalf("%s: %s out of order", d, ms[i].Name)
			}
		}
	}
}

func TestMigrateTwice(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	ms, err := loadMigrations(dialect)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if applied != len(ms) {
		t.Fatalf("expected %d recorded migrations, got %d", len(ms), applied)
	}
	for _, table := range []string{"cohorts", "batches", "member_assessments", "reports", "emission_queue", "audit_log"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}

func TestMigrateAddsEvaluationSnapshotColumns(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for table, cols := range map[string][]string{
		"member_assessments": {"prior_evaluation_index", "prior_last_evaluated_at"},
		"assessment_resets":  {"restored_evaluation_index", "restored_last_evaluated_at"},
	} {
		if _, err := conn.Exec(`SELECT ` + strings.Join(cols, ",") + ` FROM ` + table); err != nil {
			t.Fatalf("%s: %v", table, err)
		}
	}
}

var (
	enableRLS = regexp.MustCompile(`ALTER TABLE (\w+) ENABLE ROW LEVEL SECURITY`)
	forceRLS  = regexp.MustCompile(`ALTER TABLE (\w+) FORCE ROW LEVEL SECURITY`)
	policy    = regexp.MustCompile(`(?s)CREATE POLICY (\w+) ON (\w+)(?: FOR (\w+))?(.*?);`)
)

// The application usually connects as the role that owns the tables, so
// every policy-protected table must force row-level security.
func TestPostgresPoliciesBindTableOwner(t *testing.T) {
	ms, err := loadMigrations(db.Postgres)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var all strings.Builder
	for _, m := range ms {
		all.WriteString(m.UpSQL)
		all.WriteString("\n")
	}
	schema := all.String()

	forced := map[string]bool{}
	for _, m := range forceRLS.FindAllStringSubmatch(schema, -1) {
		forced[m[1]] = true
	}
	enabled := enableRLS.FindAllStringSubmatch(schema, -1)
	if len(enabled) == 0 {
		t.Fatal("no table enables row level security")
	}
	for _, m := range enabled {
		if !forced[m[1]] {
			t.Errorf("%s enables row level security without forcing it", m[1])
		}
	}

	var subjectRead bool
	for _, m := range policy.FindAllStringSubmatch(schema, -1) {
		table, cmd, body := m[2], m[3], m[4]
		if table == "reports" && cmd == "SELECT" && strings.Contains(body, "app.current_subject") {
			subjectRead = true
		}
	}
	if !subjectRead {
		t.Error("subjects cannot read the report status of their own batch")
	}
}
