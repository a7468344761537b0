package documents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/content"
	"github.com/MarcoPoloResearchLab/inkwell/internal/retryqueue"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	authorA = "user-a"
	userB   = "user-b"
	userC   = "user-c"
)

type sequenceIDProvider struct {
	prefix string
	next   atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", p.prefix, p.next.Add(1)), nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(eventType EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, event := range p.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

type testEnv struct {
	service   *Service
	db        *gorm.DB
	publisher *recordingPublisher
	queue     *retryqueue.MemoryQueue
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inkwell.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Document{}, &DocumentVersion{}, &DocumentShare{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	seedProfile(t, db, authorA, "alice", "Alice Author")
	seedProfile(t, db, userB, "bob", "Bob Reader")
	seedProfile(t, db, userC, "carol", "Carol Critic")
	return db
}

func seedProfile(t *testing.T, db *gorm.DB, userID, username, fullName string) {
	t.Helper()
	profile := users.Profile{UserID: userID, Username: username, FullName: fullName}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("failed to seed profile %s: %v", userID, err)
	}
}

func newTestEnv(t *testing.T, configure ...func(*ServiceConfig)) testEnv {
	t.Helper()
	db := openTestDatabase(t)
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct profile service: %v", err)
	}
	publisher := &recordingPublisher{}
	queue := retryqueue.NewMemoryQueue()
	cfg := ServiceConfig{
		Database:     db,
		Clock:        newSteppingClock().Now,
		IDProvider:   &sequenceIDProvider{prefix: "id"},
		Profiles:     profiles,
		PendingQueue: queue,
		Publisher:    publisher,
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	return testEnv{service: service, db: db, publisher: publisher, queue: queue}
}

// failVersionInserts makes every insert into document_versions fail while the returned flag is set.
func failVersionInserts(t *testing.T, db *gorm.DB) *atomic.Bool {
	t.Helper()
	failing := &atomic.Bool{}
	err := db.Callback().Create().Before("gorm:create").Register("inkwell_test:fail_versions", func(tx *gorm.DB) {
		if failing.Load() && tx.Statement.Table == "document_versions" {
			_ = tx.AddError(errors.New("injected version insert failure"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register failure callback: %v", err)
	}
	return failing
}

func countVersions(t *testing.T, db *gorm.DB, documentID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&DocumentVersion{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	return count
}

func mustCreate(t *testing.T, env testEnv, authorID, title string, paragraphs ...string) Document {
	t.Helper()
	request := CreateRequest{AuthorID: authorID, Title: title}
	if len(paragraphs) > 0 {
		request.Content = content.Paragraphs(paragraphs...)
	}
	view, err := env.service.CreateDocument(t.Context(), request)
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return view.Document
}

func mustSave(t *testing.T, env testEnv, documentID, userID, title string, paragraphs ...string) SaveResult {
	t.Helper()
	result, err := env.service.SaveDocument(t.Context(), SaveRequest{
		DocumentID: documentID,
		UserID:     userID,
		Title:      title,
		Content:    content.Paragraphs(paragraphs...),
	})
	if err != nil {
		t.Fatalf("failed to save document: %v", err)
	}
	return result
}

func mustShare(t *testing.T, env testEnv, documentID, grantorID, target, permission string) ShareView {
	t.Helper()
	view, err := env.service.ShareDocument(t.Context(), ShareRequest{
		DocumentID: documentID,
		GrantorID:  grantorID,
		Target:     target,
		Permission: permission,
	})
	if err != nil {
		t.Fatalf("failed to share document: %v", err)
	}
	return view
}

type staticProfiles map[string]users.Profile

func (p staticProfiles) FindByUsername(_ context.Context, identifier string) (users.Profile, error) {
	for _, profile := range p {
		if strings.EqualFold(profile.Username, identifier) {
			return profile, nil
		}
	}
	return users.Profile{}, users.ErrProfileNotFound
}

func (p staticProfiles) ProfilesByID(_ context.Context, userIDs []string) (map[string]users.Profile, error) {
	found := make(map[string]users.Profile, len(userIDs))
	for _, userID := range userIDs {
		if profile, ok := p[userID]; ok {
			found[userID] = profile
		}
	}
	return found, nil
}
