package helpers

import "testing"

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "defaults https and cleans path",
			in:   "Example.com/guides/../cafes/lisbon",
			want: "https://example.com/cafes/lisbon",
		},
		{
			name: "removes default port and tracking params",
			in:   "http://travel.example.com:80/poi?id=123&utm_source=rss#reviews",
			want: "http://travel.example.com/poi?id=123",
		},
		{
			name: "keeps non default port",
			in:   "https://example.com:8443/a",
			want: "https://example.com:8443/a",
		},
		{
			name: "sorts query parameters and preserves trailing slash",
			in:   "https://example.com/path/?b=2&a=1&fbclid=xyz",
			want: "https://example.com/path/?a=1&b=2",
		},
		{
			name: "handles schemeless url with double slash",
			in:   "//blog.example.com/post/42?utm_medium=email",
			want: "https://blog.example.com/post/42",
		},
		{
			name: "normalises repeated slashes",
			in:   "https://example.com//a//b///c",
			want: "https://example.com/a/b/c",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("CanonicalURL(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSourceID(t *testing.T) {
	if got := SourceID("HTTPS://Example.com/x?utm_campaign=a"); got != "https://example.com/x" {
		t.Fatalf("unexpected source id %q", got)
	}
	if got := SourceID("  "); got != "" {
		t.Fatalf("blank url should stay blank, got %q", got)
	}
}
