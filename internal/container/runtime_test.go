package container

import (
	"reflect"
	"testing"
	"time"
)

func TestWithKillTimeout(t *testing.T) {
	tests := []struct {
		budget time.Duration
		want   []string
	}{
		{30 * time.Second, []string{"timeout", "-s", "KILL", "30", "nmap", "example.com"}},
		{1500 * time.Millisecond, []string{"timeout", "-s", "KILL", "2", "nmap", "example.com"}},
		{-time.Second, []string{"timeout", "-s", "KILL", "1", "nmap", "example.com"}},
	}
	for _, tt := range tests {
		got := withKillTimeout([]string{"nmap", "example.com"}, tt.budget)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("withKillTimeout(%v) = %v, want %v", tt.budget, got, tt.want)
		}
	}
}
