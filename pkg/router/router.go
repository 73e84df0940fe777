// Package router resolves a request path to a file beneath the configured
// static root, classifies it for logging and mime purposes, and prepares
// the fixed-shape 404 response when no file resolves. It performs no
// socket I/O itself -- pkg/response drives the actual send using the
// Decision it returns.
package router

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// simple404Body is sent verbatim when no 404.html exists in the working
// directory.
const simple404Body = "Not Found"

// commonAssetExts are the extensions classified as static assets for
// per-request log suppression purposes.
var commonAssetExts = map[string]bool{
	".jpg": true, ".png": true, ".gif": true, ".jpeg": true, ".webp": true,
	".css": true, ".js": true, ".ico": true, ".svg": true,
	".woff2": true, ".woff": true, ".ttf": true,
	".mp4": true, ".webm": true, ".json": true, ".xml": true,
	".eot": true, ".map": true, ".pdf": true, ".mp3": true, ".wav": true,
}

// assetDirs are the path prefixes classified as static asset directories.
var assetDirs = []string{
	"/img/", "/images/", "/css/", "/js/", "/assets/", "/static/",
	"/fonts/", "/media/", "/photos/",
}

// mimeTypes maps a lower-cased extension to its response mime type. Any
// extension absent from this table resolves to text/plain.
var mimeTypes = map[string]string{
	".html": "text/html", ".htm": "text/html",
	".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".png":   "image/png",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".txt":   "text/plain",
	".pdf":   "application/pdf",
	".xml":   "application/xml",
	".zip":   "application/zip",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".webp":  "image/webp",
}

const defaultMime = "text/plain"

// Decision is the outcome of resolving one request path.
type Decision struct {
	// Found is true when FilePath exists and should be served with status
	// 200; false means the 404 fields below are populated instead.
	Found bool

	FilePath string
	MimeType string
	IsIndex  bool
	IsAsset  bool

	// NotFoundBody and NotFoundContentType are set when Found is false.
	// NotFoundContentType is "text/html" when a 404.html was found and
	// memoized, or "text/plain" for the fixed fallback body.
	NotFoundBody        []byte
	NotFoundContentType string
}

// Router resolves request paths beneath a fixed static root.
type Router struct {
	staticFolder string

	once        sync.Once
	has404      bool
	content404  []byte
}

// New creates a Router serving files beneath staticFolder.
func New(staticFolder string) *Router {
	return &Router{staticFolder: staticFolder}
}

// StaticFolder returns the configured root directory.
func (r *Router) StaticFolder() string {
	return r.staticFolder
}

// Route resolves rawPath to a Decision. rawPath is the request-line path
// exactly as extracted from the HTTP request (leading '/'). A query string
// is not stripped: it stays part of the file path looked up.
func (r *Router) Route(rawPath string) Decision {
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		rawPath = decoded
	}
	normalized := strings.ToLower(rawPath)

	filePath := filepath.Join(r.staticFolder, rawPath)
	if !r.contains(filePath) {
		body, contentType := r.notFoundBody()
		return Decision{
			Found:               false,
			IsAsset:             IsAssetRequest(normalized),
			NotFoundBody:        body,
			NotFoundContentType: contentType,
		}
	}

	info, statErr := os.Stat(filePath)
	isDir := statErr == nil && info.IsDir()
	isIndex := normalized == "/index.html" || normalized == "/" || isDir
	isAsset := IsAssetRequest(normalized)

	if isDir {
		filePath = filepath.Join(filePath, "index.html")
		info, statErr = os.Stat(filePath)
	}

	if statErr != nil || info.IsDir() {
		body, contentType := r.notFoundBody()
		return Decision{
			Found:               false,
			IsIndex:             isIndex,
			IsAsset:             isAsset,
			NotFoundBody:        body,
			NotFoundContentType: contentType,
		}
	}

	return Decision{
		Found:    true,
		FilePath: filePath,
		MimeType: MimeType(filePath),
		IsIndex:  isIndex,
		IsAsset:  isAsset,
	}
}

// contains reports whether path stays beneath the static root after
// cleaning. Join collapses ".." segments, so a traversal attempt resolves
// to a path outside the root and is refused here with a 404.
func (r *Router) contains(path string) bool {
	root := filepath.Clean(r.staticFolder)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// notFoundBody loads and memoizes 404.html from the working directory on
// first use. The file is read at most once for the Router's lifetime.
func (r *Router) notFoundBody() (body []byte, contentType string) {
	r.once.Do(func() {
		data, err := os.ReadFile("404.html")
		if err == nil {
			r.has404 = true
			r.content404 = data
		}
	})
	if r.has404 {
		return r.content404, "text/html"
	}
	return []byte(simple404Body), "text/plain"
}

// MimeType resolves path's lower-cased extension to a response mime type,
// defaulting to text/plain for anything not in the table.
func MimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := mimeTypes[ext]; ok {
		return mime
	}
	return defaultMime
}

// IsAssetRequest classifies path as a static asset by extension or by an
// asset directory segment (such as "/img/") appearing anywhere in path.
// Per-request logging is suppressed for asset requests.
// This is the plain union of the extension and directory sets -- no
// path-length shortcut is applied.
func IsAssetRequest(path string) bool {
	if ext := strings.ToLower(filepath.Ext(path)); commonAssetExts[ext] {
		return true
	}
	for _, dir := range assetDirs {
		if strings.HasPrefix(path, dir) || strings.Contains(path, dir) {
			return true
		}
	}
	return false
}
