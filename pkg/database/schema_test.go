package database

import "testing"

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	v := NewSchemaValidator(openTestDB(t))

	if err := v.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := v.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	v := NewSchemaValidator(db)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"tables", v.ValidateTablesExist},
		{"columns", v.ValidateTableStructure},
		{"indexes", v.ValidateIndexes},
		{"constraints", v.ValidateConstraints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("validation failed: %v", err)
			}
		})
	}
}

func TestSchemaValidator_ConstraintsLeaveNoRows(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatal(err)
	}
	if err := NewSchemaValidator(db).ValidateConstraints(); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"users", "conversations", "messages"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d probe rows left behind", table, n)
		}
	}
}

func TestSchemaValidator_DetectsColumnDrift(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE users (user_id TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if err := NewSchemaValidator(db).ValidateTableStructure(); err == nil {
		t.Error("missing columns should fail validation")
	}
}
