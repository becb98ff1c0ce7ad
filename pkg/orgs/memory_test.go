package orgs

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func buildTree(t *testing.T) *MemoryHierarchy {
	t.Helper()
	h := NewMemoryHierarchy()
	for _, o := range [][3]string{
		{"acme", "Acme", ""},
		{"eng", "Engineering", "acme"},
		{"team-a", "Team A", "eng"},
		{"sales", "Sales", "acme"},
		{"other", "Other Corp", ""},
	} {
		if err := h.Add(o[0], o[1], o[2]); err != nil {
			t.Fatalf("Add(%s) error = %v", o[0], err)
		}
	}
	return h
}

func TestAncestors(t *testing.T) {
	h := buildTree(t)
	ctx := context.Background()

	chain, err := Ancestors(ctx, h, "team-a")
	if err != nil {
		t.Fatalf("Ancestors() error = %v", err)
	}
	want := []string{"team-a", "eng", "acme"}
	if len(chain) != len(want) {
		t.Fatalf("Ancestors() = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i], want[i])
		}
	}

	root, err := Root(ctx, h, "team-a")
	if err != nil || root != "acme" {
		t.Errorf("Root() = %s, %v; want acme", root, err)
	}

	if _, err := Ancestors(ctx, h, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ancestors(missing) error = %v, want ErrNotFound", err)
	}
}

func TestIsWithin(t *testing.T) {
	h := buildTree(t)
	ctx := context.Background()

	tests := []struct {
		ancestor, id string
		want         bool
	}{
		{"acme", "team-a", true},
		{"eng", "team-a", true},
		{"team-a", "team-a", true},
		{"team-a", "eng", false},
		{"sales", "team-a", false},
		{"other", "team-a", false},
	}
	for _, tt := range tests {
		got, err := IsWithin(ctx, h, tt.ancestor, tt.id)
		if err != nil {
			t.Fatalf("IsWithin(%s, %s) error = %v", tt.ancestor, tt.id, err)
		}
		if got != tt.want {
			t.Errorf("IsWithin(%s, %s) = %v, want %v", tt.ancestor, tt.id, got, tt.want)
		}
	}
}

func TestDescendants(t *testing.T) {
	h := buildTree(t)

	got, err := Subtree(context.Background(), h, "acme")
	if err != nil {
		t.Fatalf("Subtree() error = %v", err)
	}
	sort.Strings(got)
	want := []string{"acme", "eng", "sales", "team-a"}
	if len(got) != len(want) {
		t.Fatalf("Subtree() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Subtree()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAddRejectsUnknownParent(t *testing.T) {
	h := NewMemoryHierarchy()
	if err := h.Add("child", "Child", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Add() error = %v, want ErrNotFound", err)
	}
}

func TestSetParentRejectsCycle(t *testing.T) {
	h := buildTree(t)
	ctx := context.Background()

	parent := "team-a"
	if err := h.SetParent(ctx, "eng", &parent); !errors.Is(err, ErrInvalidParent) {
		t.Errorf("SetParent() error = %v, want ErrInvalidParent", err)
	}

	other := "other"
	if err := h.SetParent(ctx, "eng", &other); err != nil {
		t.Fatalf("SetParent() error = %v", err)
	}
	root, err := Root(ctx, h, "team-a")
	if err != nil || root != "other" {
		t.Errorf("Root() after move = %s, %v; want other", root, err)
	}
}

func TestAncestorsDetectsCorruption(t *testing.T) {
	h := buildTree(t)
	// bypass SetParent validation to simulate a corrupted external store
	loop := "team-a"
	h.orgs["acme"].ParentID = &loop

	if _, err := Ancestors(context.Background(), h, "team-a"); !errors.Is(err, ErrHierarchyCorrupt) {
		t.Errorf("Ancestors() error = %v, want ErrHierarchyCorrupt", err)
	}
}
