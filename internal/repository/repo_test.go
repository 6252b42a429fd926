package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id int64, rawTokens string) {
	t.Helper()
	phone := "+255700000001"
	user := repository.UserModel{ID: id, Name: fmt.Sprintf("user-%d", id), Phone: &phone}
	if rawTokens != "" {
		user.FCMTokens = datatypes.JSON(rawTokens)
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func tokenOf(n int) string {
	return fmt.Sprintf("tok%03d:APA91b", n) + strings.Repeat("x", 100)
}

func TestUserRepoMutateTokensPersistsCanonicalShape(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seedUser(t, db, 1, fmt.Sprintf(`["%s"]`, tokenOf(1)))
	repo := repository.NewGormUserRepo(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := repo.MutateTokens(ctx, 1, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		next, _ := domain.UpsertToken(tokens, tokenOf(2), nil, now, domain.DefaultMaxTokensPerUser)
		return next, true, nil
	})
	if err != nil {
		t.Fatalf("MutateTokens() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	var stored repository.UserModel
	if err := db.First(&stored, "id = ?", 1).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(stored.FCMTokens, &decoded); err != nil {
		t.Fatalf("stored tokens are not an array of objects: %v (%s)", err, stored.FCMTokens)
	}
	if len(decoded) != 2 || decoded[1]["token"] != tokenOf(2) {
		t.Fatalf("stored = %s", stored.FCMTokens)
	}
}

func TestUserRepoMutateTokensSkipsUnchangedWrite(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	legacy := fmt.Sprintf(`"%s"`, tokenOf(1))
	seedUser(t, db, 2, legacy)
	repo := repository.NewGormUserRepo(db)

	got, err := repo.MutateTokens(context.Background(), 2, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		return tokens, false, nil
	})
	if err != nil {
		t.Fatalf("MutateTokens() error = %v", err)
	}
	if len(got) != 1 || got[0].Token != tokenOf(1) {
		t.Fatalf("tokens = %+v", got)
	}
}

func TestUserRepoMutateTokensPropagatesErrors(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormUserRepo(db)

	_, err := repo.MutateTokens(context.Background(), 404, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		t.Fatal("mutation must not run for a missing user")
		return nil, false, nil
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	seedUser(t, db, 3, "")
	boom := errors.New("boom")
	_, err = repo.MutateTokens(context.Background(), 3, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		return nil, true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestUserRepoMutateTokensDropsMalformedLegacyEntries(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	entries := make([]string, 0, domain.DefaultMaxTokensPerUser)
	for i := range domain.DefaultMaxTokensPerUser - 1 {
		entries = append(entries, fmt.Sprintf(`{"token":"%s","last_used_at":"2026-01-0%dT00:00:00Z"}`, tokenOf(i), i+1))
	}
	entries = append(entries, `"short garbage"`)
	seedUser(t, db, 4, "["+strings.Join(entries, ",")+"]")
	repo := repository.NewGormUserRepo(db)
	ctx := context.Background()

	loaded, err := repo.LoadTokens(ctx, 4)
	if err != nil {
		t.Fatalf("LoadTokens() error = %v", err)
	}
	if len(loaded) != domain.DefaultMaxTokensPerUser-1 {
		t.Fatalf("loaded = %d, want %d", len(loaded), domain.DefaultMaxTokensPerUser-1)
	}

	fresh := strings.Repeat("z", 120)
	var evicted []domain.DeviceToken
	got, err := repo.MutateTokens(ctx, 4, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		var next []domain.DeviceToken
		next, evicted = domain.UpsertToken(tokens, fresh, nil, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), domain.DefaultMaxTokensPerUser)
		return next, true, nil
	})
	if err != nil {
		t.Fatalf("MutateTokens() error = %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("evicted = %+v, want none", evicted)
	}
	if len(got) != domain.DefaultMaxTokensPerUser {
		t.Fatalf("len = %d, want %d", len(got), domain.DefaultMaxTokensPerUser)
	}
	for _, tok := range got {
		if tok.Token == "short garbage" {
			t.Fatal("malformed entry survived the write")
		}
	}
}

func TestUserRepoListAndScan(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	seedUser(t, db, 10, fmt.Sprintf(`["%s"]`, tokenOf(1)))
	seedUser(t, db, 11, "")
	seedUser(t, db, 12, `[]`)
	repo := repository.NewGormUserRepo(db)
	ctx := context.Background()

	withTokens := true
	users, err := repo.List(ctx, repository.UserListParams{HasTokens: &withTokens})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != 10 {
		t.Fatalf("users with tokens = %+v", users)
	}

	without := false
	users, err = repo.List(ctx, repository.UserListParams{HasTokens: &without})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users without tokens = %d, want 2", len(users))
	}

	seen := 0
	err = repo.ScanTokens(ctx, 1, func(batch []domain.User) error {
		seen += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanTokens() error = %v", err)
	}
	if seen != 2 {
		t.Fatalf("scanned = %d, want 2", seen)
	}
}

func newRecord(userID int64, status domain.Status, createdAt time.Time, attempts int) *domain.NotificationRecord {
	return &domain.NotificationRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		Channel:       domain.ChannelPush,
		Type:          domain.TypeOrderDelivered,
		Title:         "Delivered",
		Body:          "Your order has arrived",
		Data:          map[string]any{"order_id": "42"},
		Status:        status,
		RetryAttempts: attempts,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestNotificationRepoTransitionIsForwardOnly(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormNotificationRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := newRecord(1, domain.StatusPending, now, 0)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.Transition(ctx, rec.ID, domain.StatusSent, now, nil); err != nil {
		t.Fatalf("pending -> sent error = %v", err)
	}
	if err := repo.Transition(ctx, rec.ID, domain.StatusDelivered, now, nil); err != nil {
		t.Fatalf("sent -> delivered error = %v", err)
	}
	if err := repo.Transition(ctx, rec.ID, domain.StatusFailed, now, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delivered -> failed error = %v, want ErrConflict", err)
	}
	if err := repo.Transition(ctx, rec.ID, domain.StatusRead, now, nil); err != nil {
		t.Fatalf("delivered -> read error = %v", err)
	}
	if err := repo.Transition(ctx, "missing", domain.StatusRead, now, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing record error = %v, want ErrNotFound", err)
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != domain.StatusRead || got.SentAt == nil || got.DeliveredAt == nil || got.ReadAt == nil {
		t.Fatalf("record = %+v", got)
	}
	if got.Data["order_id"] != "42" {
		t.Fatalf("data = %+v", got.Data)
	}
}

func TestNotificationRepoFailedCannotBeSentDirectly(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormNotificationRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := newRecord(1, domain.StatusPending, now, 0)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg := "gateway unavailable"
	if err := repo.Transition(ctx, rec.ID, domain.StatusFailed, now, &msg); err != nil {
		t.Fatalf("pending -> failed error = %v", err)
	}
	if err := repo.Transition(ctx, rec.ID, domain.StatusSent, now, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("failed -> sent via Transition error = %v, want ErrConflict", err)
	}
	if err := repo.CompleteRetry(ctx, rec.ID, now); err != nil {
		t.Fatalf("CompleteRetry() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, rec.ID)
	if got.Status != domain.StatusSent || got.ErrorMessage != nil {
		t.Fatalf("record = %+v", got)
	}
}

func TestNotificationRepoRetrySelection(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormNotificationRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	exhausted := newRecord(1, domain.StatusFailed, now.Add(-time.Hour), 3)
	inWindow := newRecord(1, domain.StatusFailed, now.Add(-23*time.Hour), 2)
	tooOld := newRecord(1, domain.StatusFailed, now.Add(-25*time.Hour), 2)
	sent := newRecord(1, domain.StatusSent, now.Add(-time.Hour), 0)
	for _, rec := range []*domain.NotificationRecord{exhausted, inWindow, tooOld, sent} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	legacy := newRecord(1, domain.StatusFailed, now.Add(-time.Hour), 0)
	if err := repo.Create(ctx, legacy); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := db.Model(&repository.NotificationModel{}).Where("id = ?", legacy.ID).Update("retry_attempts", nil).Error; err != nil {
		t.Fatalf("null retry attempts: %v", err)
	}

	q := repository.RetryQuery{Now: now, Window: 24 * time.Hour, MaxAttempts: 3, Limit: 10}
	got, err := repo.GetRetryable(ctx, q)
	if err != nil {
		t.Fatalf("GetRetryable() error = %v", err)
	}

	ids := map[string]bool{}
	for _, rec := range got {
		ids[rec.ID] = true
	}
	if len(got) != 2 || !ids[inWindow.ID] || !ids[legacy.ID] {
		t.Fatalf("selected = %+v, want in-window and legacy null attempts", ids)
	}

	if err := repo.MarkRetryAttempt(ctx, inWindow.ID, 3, now); err != nil {
		t.Fatalf("MarkRetryAttempt() error = %v", err)
	}
	if err := repo.MarkRetryAttempt(ctx, inWindow.ID, 3, now); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second MarkRetryAttempt() error = %v, want ErrConflict", err)
	}

	got, err = repo.GetRetryable(ctx, q)
	if err != nil {
		t.Fatalf("GetRetryable() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != legacy.ID {
		t.Fatalf("after budget spent selected = %+v", got)
	}

	if err := repo.ExhaustRetries(ctx, legacy.ID, 3, "no recipient"); err != nil {
		t.Fatalf("ExhaustRetries() error = %v", err)
	}
	got, _ = repo.GetRetryable(ctx, q)
	if len(got) != 0 {
		t.Fatalf("exhausted record still selected: %+v", got)
	}
}

func TestNotificationRepoCountAndCleanup(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormNotificationRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for _, rec := range []*domain.NotificationRecord{
		newRecord(1, domain.StatusSent, now.Add(-time.Hour), 0),
		newRecord(1, domain.StatusFailed, now.Add(-time.Hour), 0),
		newRecord(1, domain.StatusFailed, now.Add(-100*24*time.Hour), 0),
	} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	counts, err := repo.CountByStatus(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	byStatus := map[string]int64{}
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	if byStatus["sent"] != 1 || byStatus["failed"] != 1 {
		t.Fatalf("counts = %+v", byStatus)
	}

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}

func newReceipt(modelID string) *domain.Receipt {
	phone := "+255700000001"
	return &domain.Receipt{
		ID:            uuid.NewString(),
		ReceiptNumber: "VFD-" + strings.ToUpper(uuid.NewString()[:8]),
		ReceiptType:   domain.ReceiptTypeDelivery,
		Model:         domain.ModelRef{Kind: domain.ModelOrder, ID: modelID},
		Amount:        5000,
		PaymentMethod: "cash",
		Customer:      domain.Customer{Phone: &phone},
		Status:        domain.ReceiptPending,
	}
}

func TestReceiptRepoUniquePerModel(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormReceiptRepo(db)
	ctx := context.Background()

	first := newReceipt("42")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, newReceipt("42")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want ErrConflict", err)
	}

	sub := newReceipt("42")
	sub.ReceiptType = domain.ReceiptTypeSubscription
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatalf("other receipt type for same model error = %v", err)
	}

	got, err := repo.GetByModel(ctx, domain.ModelRef{Kind: domain.ModelOrder, ID: "42"}, domain.ReceiptTypeDelivery)
	if err != nil {
		t.Fatalf("GetByModel() error = %v", err)
	}
	if got.ID != first.ID || got.Amount != 5000 {
		t.Fatalf("receipt = %+v", got)
	}
}

func TestReceiptRepoGeneratedTransitionAndSync(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormReceiptRepo(db)
	ctx := context.Background()

	rc := newReceipt("7")
	if err := repo.Create(ctx, rc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	url := "https://vfd.example/r/abc"
	transitioned, err := repo.MarkGenerated(ctx, rc.ID, repository.GeneratedReceipt{
		ReceiptURL:       &url,
		ProviderResponse: []byte(`{"receipt_url":"https://vfd.example/r/abc"}`),
	})
	if err != nil || !transitioned {
		t.Fatalf("MarkGenerated() = %v, %v; want true, nil", transitioned, err)
	}
	transitioned, err = repo.MarkGenerated(ctx, rc.ID, repository.GeneratedReceipt{ReceiptURL: &url})
	if err != nil || transitioned {
		t.Fatalf("second MarkGenerated() = %v, %v; want false, nil", transitioned, err)
	}
	if err := repo.MarkFailed(ctx, rc.ID, "late failure"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("MarkFailed() on generated error = %v, want ErrConflict", err)
	}

	unsynced, err := repo.List(ctx, repository.ReceiptQuery{UnsyncedOnly: true})
	if err != nil || len(unsynced) != 1 {
		t.Fatalf("unsynced = %d, %v; want 1", len(unsynced), err)
	}

	if err := repo.SetSyncError(ctx, rc.ID, "archive returned 502"); err != nil {
		t.Fatalf("SetSyncError() error = %v", err)
	}
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.MarkSynced(ctx, rc.ID, first); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	if err := repo.MarkSynced(ctx, rc.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkSynced() error = %v", err)
	}

	got, err := repo.GetByID(ctx, rc.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != domain.ReceiptGenerated || got.ReceiptURL == nil || *got.ReceiptURL != url {
		t.Fatalf("receipt = %+v", got)
	}
	if got.SyncedToArchiveAt == nil || !got.SyncedToArchiveAt.Equal(first) {
		t.Fatalf("synced at = %v, want %v", got.SyncedToArchiveAt, first)
	}
	if got.SyncError != nil {
		t.Fatalf("sync error = %v, want nil", *got.SyncError)
	}

	unsynced, _ = repo.List(ctx, repository.ReceiptQuery{UnsyncedOnly: true})
	if len(unsynced) != 0 {
		t.Fatalf("synced receipt still listed as unsynced")
	}
}

func TestReceiptRepoSoftDeleteFreesUniqueSlot(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormReceiptRepo(db)
	ctx := context.Background()

	old := newReceipt("9")
	old.CreatedAt = time.Now().UTC().Add(-400 * 24 * time.Hour)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deleted, err := repo.SoftDeleteOlderThan(ctx, time.Now().UTC().Add(-365*24*time.Hour))
	if err != nil || deleted != 1 {
		t.Fatalf("SoftDeleteOlderThan() = %d, %v; want 1", deleted, err)
	}
	if _, err := repo.GetByID(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("soft deleted receipt error = %v, want ErrNotFound", err)
	}
	if err := repo.Create(ctx, newReceipt("9")); err != nil {
		t.Fatalf("Create() after soft delete error = %v", err)
	}
}
