package catalog

import "testing"

var testTitles = []string{
	"Dune",
	"Dune: Messiah",
	"Project Hail Mary",
	"The Name of the Wind",
	"Children of Time",
}

func TestClosestTitleExact(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Dune", "Dune"},
		{"dune", "Dune"},
		{"PROJECT HAIL MARY", "Project Hail Mary"},
		{"  Children of Time  ", "Children of Time"},
	}
	for _, tt := range tests {
		if got := closestTitle(tt.input, testTitles); got != tt.want {
			t.Errorf("closestTitle(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestClosestTitleExactBeatsOrdering(t *testing.T) {
	// The exact canonical title always wins, whatever the catalog order.
	shuffled := []string{"Dune: Messiah", "Dune"}
	if got := closestTitle("Dune", shuffled); got != "Dune" {
		t.Errorf("closestTitle(Dune) = %q, want exact match", got)
	}
	reversed := []string{"Dune", "Dune: Messiah"}
	if got := closestTitle("Dune", reversed); got != "Dune" {
		t.Errorf("closestTitle(Dune) = %q, want exact match", got)
	}
}

func TestClosestTitlePrefixToColon(t *testing.T) {
	titles := []string{"Mistborn: The Final Empire", "Dune: Messiah"}
	if got := closestTitle("mistborn", titles); got != "Mistborn: The Final Empire" {
		t.Errorf("closestTitle(mistborn) = %q, want subtitle expansion", got)
	}
}

func TestClosestTitleFuzzy(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hail mary project", "Project Hail Mary"}, // token order irrelevant
		{"name of the wind", "The Name of the Wind"},
		{"childrn of time", "Children of Time"}, // typo tolerated
	}
	for _, tt := range tests {
		if got := closestTitle(tt.input, testTitles); got != tt.want {
			t.Errorf("closestTitle(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestClosestTitleRejectsWeakMatches(t *testing.T) {
	for _, input := range []string{"", "   ", "qqqqqqzzzzzz"} {
		if got := closestTitle(input, testTitles); got != "" {
			t.Errorf("closestTitle(%q) = %q, want no match", input, got)
		}
	}
}

func TestTokenSortRatio(t *testing.T) {
	if got := tokenSortRatio("dune herbert", "herbert dune"); got != 100 {
		t.Errorf("tokenSortRatio on reordered tokens = %d, want 100", got)
	}
	if got := tokenSortRatio("abc", "abc"); got != 100 {
		t.Errorf("tokenSortRatio identical = %d, want 100", got)
	}
	if got := tokenSortRatio("abc", "xyz"); got >= minMatchScore {
		t.Errorf("tokenSortRatio disjoint = %d, want below threshold", got)
	}
}
