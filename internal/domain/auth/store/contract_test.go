package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cmail-server-go/internal/domain/auth/model"
)

func testCode(target, code string, expires time.Time) model.VerificationCode {
	return model.VerificationCode{
		Code:      code,
		Target:    target,
		Channel:   model.ChannelEmail,
		UserID:    "user-1",
		ExpiresAt: expires,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"client_id": "cmail_public_api"},
	}
}

// exerciseCodeStore runs the behaviour every driver must share.
func exerciseCodeStore(t *testing.T, s CodeStore[model.VerificationCode]) {
	t.Helper()
	ctx := context.Background()
	future := time.Now().Add(10 * time.Minute)

	t.Run("put replaces", func(t *testing.T) {
		if err := s.Put(ctx, "a@example.com", testCode("a@example.com", "111111", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		if err := s.Put(ctx, "a@example.com", testCode("a@example.com", "222222", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		got, ok, err := s.Get(ctx, "a@example.com")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if got.Code != "222222" {
			t.Fatalf("expected replacement code, got %s", got.Code)
		}
		if got.Metadata["client_id"] != "cmail_public_api" {
			t.Fatalf("metadata lost: %+v", got.Metadata)
		}
	})

	t.Run("take is single use", func(t *testing.T) {
		if err := s.Put(ctx, "b@example.com", testCode("b@example.com", "333333", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		got, ok, err := s.Take(ctx, "b@example.com")
		if err != nil || !ok || got.Code != "333333" {
			t.Fatalf("first Take = %+v, %v, %v", got, ok, err)
		}
		if _, ok, err := s.Take(ctx, "b@example.com"); err != nil || ok {
			t.Fatalf("second Take = %v, %v", ok, err)
		}
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		if err := s.Put(ctx, "race", testCode("race", "444444", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, ok, err := s.Take(ctx, "race")
				if err != nil {
					t.Errorf("Take error: %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("update", func(t *testing.T) {
		if err := s.Put(ctx, "c@example.com", testCode("c@example.com", "555555", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		keep := func(rec model.VerificationCode) (model.VerificationCode, Action) {
			rec.Code = "ignored"
			return rec, ActionKeep
		}
		bump := func(rec model.VerificationCode) (model.VerificationCode, Action) {
			rec.Attempts++
			return rec, ActionReplace
		}
		remove := func(rec model.VerificationCode) (model.VerificationCode, Action) {
			return rec, ActionDelete
		}

		_, found, action, err := s.Update(ctx, "c@example.com", keep)
		if err != nil || !found || action != ActionKeep {
			t.Fatalf("keep Update = found %v action %v err %v", found, action, err)
		}
		if got, ok, _ := s.Get(ctx, "c@example.com"); !ok || got.Code != "555555" {
			t.Fatalf("kept record must be unchanged, got %+v", got)
		}

		for i := 0; i < 2; i++ {
			if _, _, action, err := s.Update(ctx, "c@example.com", bump); err != nil || action != ActionReplace {
				t.Fatalf("replace Update = action %v err %v", action, err)
			}
		}
		got, ok, _ := s.Get(ctx, "c@example.com")
		if !ok || got.Attempts != 2 || got.Code != "555555" {
			t.Fatalf("replaced record = %+v, %v", got, ok)
		}

		rec, found, action, err := s.Update(ctx, "c@example.com", remove)
		if err != nil || !found || action != ActionDelete || rec.Attempts != 2 {
			t.Fatalf("delete Update = %+v found %v action %v err %v", rec, found, action, err)
		}

		_, found, _, err = s.Update(ctx, "c@example.com", remove)
		if err != nil || found {
			t.Fatalf("Update after delete = found %v err %v", found, err)
		}
	})

	t.Run("concurrent updates are not lost", func(t *testing.T) {
		if err := s.Put(ctx, "e@example.com", testCode("e@example.com", "777777", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _, err := s.Update(ctx, "e@example.com", func(rec model.VerificationCode) (model.VerificationCode, Action) {
					rec.Attempts++
					return rec, ActionReplace
				})
				if err != nil {
					t.Errorf("Update error: %v", err)
				}
			}()
		}
		wg.Wait()
		got, ok, _ := s.Get(ctx, "e@example.com")
		if !ok || got.Attempts != 4 {
			t.Fatalf("expected 4 recorded attempts, got %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Put(ctx, "d@example.com", testCode("d@example.com", "666666", future)); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		if err := s.Delete(ctx, "d@example.com"); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "d@example.com"); ok {
			t.Fatalf("record still present after Delete")
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats error: %v", err)
		}
		if stats["type"] == nil {
			t.Fatalf("stats missing type: %+v", stats)
		}
	})
}
