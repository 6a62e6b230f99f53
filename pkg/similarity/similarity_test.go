package similarity

import "testing"

func TestRatio(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		min  float64
		max  float64
	}{
		{"identical", "chapter 5 test", "chapter 5 test", 1.0, 1.0},
		{"empty left", "", "anything", 0.0, 0.0},
		{"empty right", "anything", "", 0.0, 0.0},
		{"close", "chapter 5 test", "chapter 5 tests", 0.9, 1.0},
		{"unrelated", "math quiz", "zzzzzzzzz", 0.0, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ratio(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("Ratio(%q, %q) = %f, want in [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestFoldedRatio(t *testing.T) {
	if got := FoldedRatio("  Chapter 5 Test ", "chapter 5 test"); got != 1.0 {
		t.Errorf("FoldedRatio should ignore case and whitespace, got %f", got)
	}
}
