package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// serveUI serves the web console from the configured UI root. Unknown paths
// fall back to index.html so client-side routing works.
func (s *server) serveUI(w http.ResponseWriter, r *http.Request) {
	root := s.deps.UIRoot

	// Resolve within the root; reject traversal out of it.
	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	target := filepath.Join(root, rel)
	if rel != "" && !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		http.NotFound(w, r)
		return
	}

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		http.ServeFile(w, r, target)
		return
	}
	index := filepath.Join(root, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}
