package cluster

import (
	"errors"
	"slices"
	"testing"
)

func TestTopologyValidate(t *testing.T) {
	cases := []struct {
		name  string
		local NodeID
		nodes []NodeID
		ok    bool
	}{
		{"ok", 1, []NodeID{0, 1, 2}, true},
		{"empty", 0, nil, false},
		{"duplicate", 0, []NodeID{0, 0}, false},
		{"local missing", 5, []NodeID{0, 1}, false},
		{"negative", 0, []NodeID{0, -3}, false},
	}
	for _, c := range cases {
		_, err := NewTopology(c.local, c.nodes)
		if (err == nil) != c.ok {
			t.Errorf("%s: err=%v", c.name, err)
		}
	}
	if _, err := NewTopology(0, nil); !errors.Is(err, ErrEmptyTopology) {
		t.Fatalf("expected ErrEmptyTopology, got %v", err)
	}
}

func TestTopologyRemotesAndIndex(t *testing.T) {
	topo, err := NewTopology(4, []NodeID{2, 4, 7})
	if err != nil {
		t.Fatal(err)
	}
	if got := topo.Remotes(); !slices.Equal(got, []NodeID{2, 7}) {
		t.Fatalf("remotes=%v", got)
	}
	if topo.LocalIndex() != 1 || topo.Index(7) != 2 || topo.Index(3) != -1 {
		t.Fatalf("index mismatch")
	}
}

func TestParseNodes(t *testing.T) {
	got, err := ParseNodes(" 0, 1 ,2,")
	if err != nil || !slices.Equal(got, []NodeID{0, 1, 2}) {
		t.Fatalf("got %v err %v", got, err)
	}
	if _, err := ParseNodes("0,x"); err == nil {
		t.Fatalf("expected error")
	}
}
