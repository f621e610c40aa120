package server

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"deplight/pkg/fileutil"
)

// StaticHandler serves the client bundle from dir. Unknown paths fall back
// to index.html so client-side routes resolve.
func StaticHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		clean := path.Clean("/" + r.URL.Path)
		full := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
		if fileutil.FileExists(full) {
			fs.ServeHTTP(w, r)
			return
		}
		if clean == "/" {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, index)
	})
}
