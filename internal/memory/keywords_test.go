package memory

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{
			name: "drops stopwords and short words",
			text: "Send a connection request to a product manager",
			want: []string{"send", "connection", "request", "product", "manager"},
		},
		{
			name: "frequency then first occurrence",
			text: "video transcript summary video transcript transcript",
			want: []string{"transcript", "video", "summary"},
		},
		{
			name: "polite filler removed",
			text: "Please help me find the API for my app, thanks!",
			want: []string{"api", "app"},
		},
		{
			name: "case folded and deduplicated",
			text: "LinkedIn linkedin LINKEDIN profile",
			want: []string{"linkedin", "profile"},
		},
		{
			name: "cap",
			text: "alpha bravo charlie delta",
			max:  2,
			want: []string{"alpha", "bravo"},
		},
		{
			name: "letters joined to non-ascii letters are not words",
			text: "Update résumé for the engineer role at café",
			want: []string{"update", "engineer", "role"},
		},
		{
			name: "digits and underscores join words",
			text: "parse v2beta config_file output",
			want: []string{"parse", "output"},
		},
		{
			name: "empty",
			text: "  ",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractKeywords(tt.text, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractKeywords(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractKeywords_DefaultCap(t *testing.T) {
	words := []string{
		"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet",
		"kilo", "lima", "mike", "november", "oscar", "papa", "quebec", "romeo", "sierra", "tango",
	}
	got := ExtractKeywords(strings.Join(words, " "), 0)
	if len(got) != DefaultMaxKeywords {
		t.Fatalf("len = %d, want %d", len(got), DefaultMaxKeywords)
	}
	if got[0] != "alpha" || got[14] != "oscar" {
		t.Errorf("got %v, want alpha..oscar", got)
	}
}

func TestExtractKeywords_Deterministic(t *testing.T) {
	text := "download the youtube transcript and summarize the youtube video"
	first := ExtractKeywords(text, 15)
	for i := 0; i < 10; i++ {
		if got := ExtractKeywords(text, 15); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %v, want %v", i, got, first)
		}
	}
}
