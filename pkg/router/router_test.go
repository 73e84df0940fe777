package router

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()
	root := t.TempDir()
	return New(root), root
}

func TestRouteServesRootIndex(t *testing.T) {
	r, root := newTestRouter(t)
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>Hi</h1>"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	d := r.Route("/")
	if !d.Found {
		t.Fatal("Route(/) = not found, want found")
	}
	if d.MimeType != "text/html" {
		t.Errorf("MimeType = %q, want text/html", d.MimeType)
	}
	if !d.IsIndex {
		t.Error("IsIndex = false, want true")
	}
	if d.FilePath != filepath.Join(root, "index.html") {
		t.Errorf("FilePath = %q, want %q", d.FilePath, filepath.Join(root, "index.html"))
	}
}

func TestRouteDirectoryResolvesToIndex(t *testing.T) {
	r, root := newTestRouter(t)
	sub := filepath.Join(root, "docs")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "index.html"), []byte("docs"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	d := r.Route("/docs")
	if !d.Found {
		t.Fatal("Route(/docs) = not found, want found")
	}
	if d.FilePath != filepath.Join(sub, "index.html") {
		t.Errorf("FilePath = %q, want %q", d.FilePath, filepath.Join(sub, "index.html"))
	}
}

func TestRouteMissingFileNoCustom404(t *testing.T) {
	r, _ := newTestRouter(t)

	d := r.Route("/nope")
	if d.Found {
		t.Fatal("Route(/nope) = found, want not found")
	}
	if string(d.NotFoundBody) != "Not Found" {
		t.Errorf("NotFoundBody = %q, want %q", d.NotFoundBody, "Not Found")
	}
	if d.NotFoundContentType != "text/plain" {
		t.Errorf("NotFoundContentType = %q, want text/plain", d.NotFoundContentType)
	}
}

func TestRouteMissingFileWithCustom404(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	if err := os.WriteFile(filepath.Join(dir, "404.html"), []byte("<h1>missing</h1>"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := New(t.TempDir())
	d := r.Route("/nope")
	if d.Found {
		t.Fatal("Route(/nope) = found, want not found")
	}
	if string(d.NotFoundBody) != "<h1>missing</h1>" {
		t.Errorf("NotFoundBody = %q, want custom 404 content", d.NotFoundBody)
	}
	if d.NotFoundContentType != "text/html" {
		t.Errorf("NotFoundContentType = %q, want text/html", d.NotFoundContentType)
	}
}

func TestRouteRefusesTraversalOutsideRoot(t *testing.T) {
	r, root := newTestRouter(t)
	if err := os.WriteFile(filepath.Join(filepath.Dir(root), "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	for _, p := range []string{"/../secret.txt", "/%2e%2e/secret.txt", "/a/../../secret.txt"} {
		if d := r.Route(p); d.Found {
			t.Errorf("Route(%q) = found %q, want not found", p, d.FilePath)
		}
	}
}

func TestRoutePercentDecodesPath(t *testing.T) {
	r, root := newTestRouter(t)
	if err := os.WriteFile(filepath.Join(root, "a b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	d := r.Route("/a%20b.txt")
	if !d.Found {
		t.Fatalf("Route(%s) = not found, want found", "/a%20b.txt")
	}
	if d.FilePath != filepath.Join(root, "a b.txt") {
		t.Errorf("FilePath = %q, want %q", d.FilePath, filepath.Join(root, "a b.txt"))
	}
}

func TestMimeTypeResolution(t *testing.T) {
	cases := map[string]string{
		"a.html": "text/html", "a.htm": "text/html",
		"a.jpg": "image/jpeg", "a.jpeg": "image/jpeg",
		"a.css": "text/css", "a.js": "application/javascript",
		"a.json": "application/json", "a.png": "image/png",
		"a.gif": "image/gif", "a.svg": "image/svg+xml",
		"a.ico": "image/x-icon", "a.txt": "text/plain",
		"a.pdf": "application/pdf", "a.xml": "application/xml",
		"a.zip": "application/zip", "a.woff": "font/woff",
		"a.woff2": "font/woff2", "a.ttf": "font/ttf",
		"a.eot": "application/vnd.ms-fontobject", "a.mp3": "audio/mpeg",
		"a.mp4": "video/mp4", "a.webm": "video/webm", "a.webp": "image/webp",
		"a.unknown": "text/plain", "a": "text/plain",
	}
	for path, want := range cases {
		if got := MimeType(path); got != want {
			t.Errorf("MimeType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMimeTypeIsCaseInsensitive(t *testing.T) {
	if got := MimeType("A.HTML"); got != "text/html" {
		t.Errorf("MimeType(A.HTML) = %q, want text/html", got)
	}
}

func TestIsAssetRequestByExtension(t *testing.T) {
	if !IsAssetRequest("/style.css") {
		t.Error("want /style.css classified as asset")
	}
	if IsAssetRequest("/index.html") {
		t.Error("want /index.html not classified as asset")
	}
}

func TestIsAssetRequestByDirectory(t *testing.T) {
	for _, p := range []string{"/img/logo.bin", "/assets/app.data", "/fonts/custom.bin"} {
		if !IsAssetRequest(p) {
			t.Errorf("want %q classified as asset by directory prefix", p)
		}
	}
}

func TestIsAssetRequestNoLengthShortcut(t *testing.T) {
	// A long path with an asset extension (.pdf) must still be classified
	// as an asset -- there is no path-length gate.
	if !IsAssetRequest("/a/very/deeply/nested/path/document.pdf") {
		t.Error("want long .pdf path classified as asset, no length filter applies")
	}
}
