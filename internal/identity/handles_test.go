package identity

import (
	"reflect"
	"testing"
)

func TestNormalizeHandle(t *testing.T) {
	cases := map[string]string{
		"@Jane.Doe":       "jane.doe",
		"  @b_ball_99 ":   "b_ball_99",
		"@x":              "",
		"reel":            "",
		"has spaces":      "",
		"UPPER":           "upper",
		"@trailing.dots.": "trailing.dots",
		"émoji":           "",
	}
	for in, want := range cases {
		if got := NormalizeHandle(in); got != want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractHandles(t *testing.T) {
	got := ExtractHandles("shoutout to @jane.doe and @B_Ball_99! not-an@x")
	want := []string{"jane.doe", "b_ball_99"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractHandles = %v, want %v", got, want)
	}
}

func TestHandleFromPermalink(t *testing.T) {
	cases := map[string]string{
		"https://example.com/jane.doe/p/abc123/": "jane.doe",
		"https://example.com/p/abc123/":          "",
		"":                                       "",
		"://bad-url":                             "",
	}
	for in, want := range cases {
		if got := HandleFromPermalink(in); got != want {
			t.Errorf("HandleFromPermalink(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupeHandlesKeepsOrder(t *testing.T) {
	got := dedupeHandles([]string{"@A", "b"}, []string{"a", "C", "b"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dedupeHandles = %v, want %v", got, want)
	}
}
