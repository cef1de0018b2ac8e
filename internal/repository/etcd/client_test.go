package etcd

import (
	"context"
	"testing"
)

func TestElectionKey(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{"", "gm", "/groupmanager/leaders/gm"},
		{"/custom", "gm", "/custom/gm"},
		{"/custom/", "gm", "/custom/gm"},
	}
	for _, tt := range tests {
		if got := electionKey(tt.prefix, tt.name); got != tt.want {
			t.Errorf("electionKey(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestLeader_ResignWhenNotLeader(t *testing.T) {
	l := &Leader{name: "gm"}
	if l.IsLeader() {
		t.Fatal("new participant should not be leader")
	}
	if err := l.Resign(context.Background()); err != nil {
		t.Errorf("Resign() error = %v", err)
	}
}
