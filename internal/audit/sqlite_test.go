package audit

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	l, err := NewLog(store, 3, nil)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	if got := l.Load(ctx); len(got) != 0 {
		t.Fatalf("Expected empty trail from new database, got %+v", got)
	}

	for _, cmd := range []string{"forward", "left", "speed:0.4", "stop"} {
		if _, err := l.Record(ctx, cmd, StatusSuccess, nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	want := l.All()
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	reloaded, err := NewLog(store2, 3, nil)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer reloaded.Close()

	got := reloaded.Load(ctx)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if !reflect.DeepEqual(commands(got), []string{"left", "speed:0.4", "stop"}) {
		t.Errorf("Expected newest three commands, got %v", commands(got))
	}
}
