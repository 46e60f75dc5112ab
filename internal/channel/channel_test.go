package channel

import (
	"errors"
	"testing"
)

func testBank(t *testing.T) *Bank {
	t.Helper()
	b, err := NewBank([]Channel{
		{ID: 3, Label: "Ar", Default: true, Inverted: true},
		{ID: 1, Label: "TEB"},
		{ID: 2, Label: "H2"},
	})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	return b
}

func TestNewBank(t *testing.T) {
	tests := []struct {
		name     string
		channels []Channel
		wantErr  bool
	}{
		{"valid", []Channel{{ID: 1}, {ID: 2, Label: "x"}}, false},
		{"empty", nil, true},
		{"zero id", []Channel{{ID: 0}}, true},
		{"duplicate id", []Channel{{ID: 1}, {ID: 1}}, true},
		{"duplicate label", []Channel{{ID: 1, Label: "Ar"}, {ID: 2, Label: "ar"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBank(tt.channels)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBank() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidBank) {
				t.Errorf("error should wrap ErrInvalidBank, got %v", err)
			}
		})
	}
}

func TestBankOrderingAndDefaults(t *testing.T) {
	b := testBank(t)

	ids := b.IDs()
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("IDs() = %v, want [1 2 3]", ids)
	}

	d := b.Defaults()
	if d[1] || d[2] || !d[3] {
		t.Errorf("Defaults() = %v", d)
	}
	if off := b.AllOff(); len(off.On()) != 0 {
		t.Errorf("AllOff() has ON channels: %v", off)
	}
}

func TestBankResolve(t *testing.T) {
	b := testBank(t)
	tests := []struct {
		ref  string
		want ID
		err  bool
	}{
		{"TEB", 1, false},
		{"h2", 2, false},
		{"3", 3, false},
		{"ch2", 2, false},
		{" Ar ", 3, false},
		{"9", 0, true},
		{"N2", 0, true},
		{"1x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := b.Resolve(tt.ref)
			if tt.err {
				if !errors.Is(err, ErrUnknownChannel) {
					t.Fatalf("Resolve(%q) error = %v, want ErrUnknownChannel", tt.ref, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Resolve(%q) = %v, %v; want %v", tt.ref, got, err, tt.want)
			}
		})
	}
}

func TestStatesMergeDiff(t *testing.T) {
	cur := States{1: true, 2: false}
	merged := cur.Merge(States{2: true, 3: true})

	if !merged.Equal(States{1: true, 2: true, 3: true}) {
		t.Errorf("Merge() = %v", merged)
	}
	if cur[2] {
		t.Error("Merge() mutated the receiver")
	}

	diff := cur.Diff(States{1: true, 2: true, 4: false})
	if !diff.Equal(States{2: true}) {
		t.Errorf("Diff() = %v, want ch2=on", diff)
	}
}

func TestBreakBeforeMake(t *testing.T) {
	s := States{4: true, 1: false, 2: true, 3: false}
	got := s.BreakBeforeMake()
	want := []ID{1, 3, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("BreakBeforeMake() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BreakBeforeMake() = %v, want %v", got, want)
		}
	}
}

func TestStatesString(t *testing.T) {
	if got := (States{2: false, 1: true}).String(); got != "ch1=on ch2=off" {
		t.Errorf("String() = %q", got)
	}
}
