package ristretto_test

import (
	"testing"

	"github.com/Strob0t/taskforge/internal/adapter/ristretto"
	"github.com/Strob0t/taskforge/internal/port/cache/cachetest"
)

func TestRistrettoCompliance(t *testing.T) {
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	cachetest.Run(t, c, c.Wait)
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := ristretto.New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
