package server

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	ignore "github.com/sabhiram/go-gitignore"

	"gobby/internal/storage"
)

const maxReadSize = 2 << 20

// projectPath validates a browse target: the project must exist and the
// path must stay inside its repository root. Anything under .git is never
// exposed. On failure the HTTP response has already been written.
func (s *Server) projectPath(c *gin.Context, projectID, path string) (proj *storage.Project, abs, rel string, ok bool) {
	proj, err := s.deps.Projects.Get(c.Request.Context(), projectID)
	if err != nil {
		s.respondError(c, err)
		return nil, "", "", false
	}

	rel = filepath.Clean("/" + path)[1:]
	abs = filepath.Join(proj.RepoPath, rel)

	// Containment is checked on resolved paths: a symlink inside the repo
	// must not reach files outside it.
	root := proj.RepoPath
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	within, err := filepath.Rel(root, resolveSymlinks(abs))
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "path escapes project root"})
		return nil, "", "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(within), "/") {
		if part == ".git" {
			c.JSON(http.StatusForbidden, gin.H{"error": "path not accessible"})
			return nil, "", "", false
		}
	}
	return proj, abs, rel, true
}

func (s *Server) resolveProjectPath(c *gin.Context) (*storage.Project, string, string, bool) {
	return s.projectPath(c, c.Query("project_id"), c.Query("path"))
}

// resolveSymlinks resolves abs through any symlinks. Write targets may not
// exist yet, so resolution falls back to the nearest existing ancestor and
// rejoins the remainder.
func resolveSymlinks(abs string) string {
	p := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs
		}
		tail = append(tail, filepath.Base(p))
		p = parent
	}
}

func (s *Server) handleFileProjects(c *gin.Context) {
	projects, err := s.deps.Projects.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

type treeEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// handleFileTree lists one directory level. Visibility follows git: tracked
// files plus untracked files not excluded by any ignore rule. Without a
// usable git the repo-root .gitignore is matched directly. The .git
// directory itself is always omitted.
func (s *Server) handleFileTree(c *gin.Context) {
	proj, abs, rel, ok := s.resolveProjectPath(c)
	if !ok {
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "directory not found"})
			return
		}
		s.respondError(c, err)
		return
	}

	visible, gitOK := gitVisiblePaths(proj.RepoPath)
	var matcher *ignore.GitIgnore
	if !gitOK {
		matcher, _ = ignore.CompileIgnoreFile(filepath.Join(proj.RepoPath, ".gitignore"))
	}

	var out []treeEntry
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		entryRel := filepath.ToSlash(filepath.Join(rel, entry.Name()))
		if gitOK {
			if !visibleInTree(visible, entryRel, entry.IsDir()) {
				continue
			}
		} else if matcher != nil && matcher.MatchesPath(entryRel) {
			continue
		}
		te := treeEntry{Name: entry.Name(), Path: entryRel, IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			te.Size = info.Size()
		}
		out = append(out, te)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		li, lj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if li != lj {
			return li < lj
		}
		return out[i].Name < out[j].Name
	})
	c.JSON(http.StatusOK, gin.H{"path": rel, "entries": out})
}

// gitVisiblePaths asks git for the working-tree paths it considers present:
// `ls-files` for tracked files and `ls-files --others --exclude-standard`
// for untracked files that no ignore rule excludes. Reports false when the
// repo has no usable git.
func gitVisiblePaths(repo string) (map[string]bool, bool) {
	tracked, err := gitOutput(repo, "ls-files")
	if err != nil {
		return nil, false
	}
	untracked, err := gitOutput(repo, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, false
	}
	visible := map[string]bool{}
	for _, line := range strings.Split(tracked+"\n"+untracked, "\n") {
		if line != "" {
			visible[line] = true
		}
	}
	return visible, true
}

// visibleInTree reports whether rel is a visible file, or a directory that
// contains at least one visible file.
func visibleInTree(visible map[string]bool, rel string, isDir bool) bool {
	if !isDir {
		return visible[rel]
	}
	prefix := rel + "/"
	for p := range visible {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) handleFileRead(c *gin.Context) {
	_, abs, rel, ok := s.resolveProjectPath(c)
	if !ok {
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory"})
		return
	}
	if info.Size() > maxReadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": rel, "content": string(raw), "size": info.Size()})
}

func (s *Server) handleFileImage(c *gin.Context) {
	_, abs, _, ok := s.resolveProjectPath(c)
	if !ok {
		return
	}
	if _, err := os.Stat(abs); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.File(abs)
}

func (s *Server) handleFileGitStatus(c *gin.Context) {
	proj, err := s.deps.Projects.Get(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	out, err := gitOutput(proj.RepoPath, "status", "--porcelain")
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": out})
}

func (s *Server) handleFileGitDiff(c *gin.Context) {
	proj, err := s.deps.Projects.Get(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	args := []string{"diff"}
	if path := c.Query("path"); path != "" {
		cleaned := filepath.Clean("/" + path)[1:]
		args = append(args, "--", cleaned)
	}
	out, err := gitOutput(proj.RepoPath, args...)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": out})
}

func (s *Server) handleFileWrite(c *gin.Context) {
	var body struct {
		ProjectID string `json:"project_id"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id and path required"})
		return
	}
	_, abs, rel, ok := s.projectPath(c, body.ProjectID, body.Path)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		s.respondError(c, err)
		return
	}
	if err := os.WriteFile(abs, []byte(body.Content), 0o644); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": rel, "written": len(body.Content)})
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}
