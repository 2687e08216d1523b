package helpers

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

// TestUser represents a test user fixture
type TestUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TestDocument represents a test document fixture
type TestDocument struct {
	Title   string   `json:"title"`
	Columns []string `json:"columns"`
}

// Default test fixtures
var (
	DefaultTestUser = TestUser{
		Email:    "test@example.com",
		Password: "test-password-123",
	}

	DefaultTestDocument = TestDocument{
		Title:   "Research Sheet",
		Columns: []string{"Query", "Result"},
	}
)

// CreateTestUser inserts a user with a bcrypt-hashed password and returns the user ID
func (db *TestDatabase) CreateTestUser(t *testing.T, email, password string) uuid.UUID {
	t.Helper()

	hashed, err := db.HashPassword(password)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	userID := uuid.New()
	_, err = db.Pool.Exec(db.ctx, `
		INSERT INTO users (id, name, email, hashed_password)
		VALUES ($1, $2, $3, $4)
	`, userID, "Test User", email, hashed)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return userID
}

// CreateTestDocument inserts a document with the given columns and returns its ID
func (db *TestDatabase) CreateTestDocument(t *testing.T, ownerUserID uuid.UUID, title string, columns []string) uuid.UUID {
	t.Helper()

	documentID := uuid.New()
	_, err := db.Pool.Exec(db.ctx, `
		INSERT INTO documents (id, title, owner_user_id)
		VALUES ($1, $2, $3)
	`, documentID, title, ownerUserID)
	if err != nil {
		t.Fatalf("Failed to create test document: %v", err)
	}

	for position, columnTitle := range columns {
		_, err = db.Pool.Exec(db.ctx, `
			INSERT INTO document_columns (id, document_id, title, position)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), documentID, columnTitle, position)
		if err != nil {
			t.Fatalf("Failed to create test column: %v", err)
		}
	}

	return documentID
}

// CellUpdateBody builds a cell_update event request body
func CellUpdateBody(rowIndex, colIndex int, content string) map[string]interface{} {
	return map[string]interface{}{
		"event_type": "cell_update",
		"payload": map[string]interface{}{
			"rowIndex": rowIndex,
			"colIndex": colIndex,
			"content":  content,
		},
	}
}

// ToJSON converts a fixture to JSON string
func ToJSON(fixture interface{}) string {
	data, _ := json.Marshal(fixture)
	return string(data)
}
