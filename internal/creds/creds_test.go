package creds

import (
	"context"
	"testing"
)

func TestStaticSource(t *testing.T) {
	s := NewStatic("tok")
	ctx := context.Background()

	got, err := s.Token(ctx)
	if err != nil || got != "tok" {
		t.Fatalf("Token = %q, %v", got, err)
	}
	got, err = s.Refresh(ctx)
	if err != nil || got != "tok" {
		t.Fatalf("Refresh = %q, %v", got, err)
	}
}

func TestFuncsRefresh(t *testing.T) {
	calls := 0
	src := Funcs{
		TokenFn: func(ctx context.Context) (string, error) { return "old", nil },
		RefreshFn: func(ctx context.Context) (string, error) {
			calls++
			return "new", nil
		},
	}
	ctx := context.Background()

	if tok, _ := src.Token(ctx); tok != "old" {
		t.Fatalf("token = %q", tok)
	}
	if tok, _ := src.Refresh(ctx); tok != "new" {
		t.Fatalf("refresh = %q", tok)
	}
	if calls != 1 {
		t.Fatalf("refresh calls = %d", calls)
	}
}
