package db

import (
	"strings"
	"testing"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(names) != 4 {
		t.Fatalf("ожидали 4 миграции, получили %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("миграции не отсортированы: %v", names)
		}
	}
}

func TestDigestQueueHasPendingUniqueIndex(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/003_digest_queue.sql")
	if err != nil {
		t.Fatalf("не удалось прочитать миграцию: %v", err)
	}
	if !strings.Contains(string(body), "WHERE sent = FALSE AND failed_at IS NULL") {
		t.Fatalf("уникальный индекс должен покрывать только ожидающие записи")
	}
}

func TestDigestQueueStoresFailureReason(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/004_digest_failure_reason.sql")
	if err != nil {
		t.Fatalf("не удалось прочитать миграцию: %v", err)
	}
	if !strings.Contains(string(body), "failure_reason") {
		t.Fatalf("миграция должна добавлять причину закрытия записи")
	}
}
