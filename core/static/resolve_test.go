package static

import (
	"testing"
)

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver("/srv/www/")

	tests := []struct {
		uri  string
		want string
	}{
		{"/", "/srv/www/index.html"},
		{"/index.html", "/srv/www/index.html"},
		{"/docs/", "/srv/www/docs/index.html"},
		{"/docs", "/srv/www/docs/index.html"},
		{"/docs/guide.pdf", "/srv/www/docs/guide.pdf"},
		{"/a.b/c", "/srv/www/a.b/c/index.html"},
		{"/page.html?x=1&y=2", "/srv/www/page.html"},
		{"/?q", "/srv/www/index.html"},
		{"/a//b.css", "/srv/www/a/b.css"},
		{"/./x.txt", "/srv/www/x.txt"},
		{"/%2e%2e/secret.txt", "/srv/www/%2e%2e/secret.txt"},
		{"/...", "/srv/www/..."},
	}

	for _, tt := range tests {
		got, err := r.Resolve([]byte(tt.uri))
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.uri, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.uri, tt.want, got)
		}
	}
}

func TestResolver_RejectsParentSegments(t *testing.T) {
	r := NewResolver("/srv/www")

	for _, uri := range []string{"/..", "/../etc/passwd", "/a/../../b", "/a/..", "/a/../b.html?x"} {
		if _, err := r.Resolve([]byte(uri)); err != ErrForbidden {
			t.Errorf("%q: expected ErrForbidden, got %v", uri, err)
		}
	}
}

func TestResolver_RelativeRoot(t *testing.T) {
	r := NewResolver("./www")
	got, err := r.Resolve([]byte("/"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "www/index.html" {
		t.Errorf("Expected www/index.html, got %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"index.html": "text/html",
		"a/b.css":    "text/css",
		"x.jpg":      "image/jpeg",
		"x.JPG":      DefaultContentType,
		"doc.xhtml":  "application/xhtml+xml",
		"noext":      DefaultContentType,
		"archive.gz": "application/gzip",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
}
