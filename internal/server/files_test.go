package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/project"
	"gobby/internal/storage"
)

func newFileFixture(t *testing.T) (*Server, *storage.Project, string) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"),
		[]byte("ignored.txt\n.gobby\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "ignored.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "main.go"),
		[]byte("package main\n"), 0o644))

	projects := project.NewManager(db, nil)
	proj, err := projects.Register(context.Background(), repo, "demo")
	require.NoError(t, err)

	srv := New(Deps{Config: &config.Config{}, DB: db, Projects: projects})
	return srv, proj, repo
}

func doRequest(s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestFileTreeFiltersAndSorts(t *testing.T) {
	srv, proj, _ := newFileFixture(t)

	w := doRequest(srv, http.MethodGet, "/api/files/tree?project_id="+proj.ID+"&path=", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Path    string      `json:"path"`
		Entries []treeEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	names := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		names = append(names, e.Name)
	}
	assert.NotContains(t, names, ".git")
	assert.NotContains(t, names, "ignored.txt")
	assert.NotContains(t, names, ".gobby")
	assert.Contains(t, names, "a.txt")

	// Directories come before files.
	require.NotEmpty(t, resp.Entries)
	assert.Equal(t, "src", resp.Entries[0].Name)
	assert.True(t, resp.Entries[0].IsDir)
}

func TestFileTreeSortsCaseInsensitively(t *testing.T) {
	srv, proj, repo := newFileFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "B.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "Zebra.txt"), []byte("z"), 0o644))

	w := doRequest(srv, http.MethodGet, "/api/files/tree?project_id="+proj.ID+"&path=", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []treeEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	var files []string
	for _, e := range resp.Entries {
		if !e.IsDir {
			files = append(files, e.Name)
		}
	}
	assert.Equal(t, []string{".gitignore", "a.txt", "B.txt", "Zebra.txt"}, files)
}

func TestFileTreeHonorsNestedGitignore(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := t.TempDir()
	git := exec.Command("git", "init", "-q")
	git.Dir = repo
	out, err := git.CombinedOutput()
	require.NoError(t, err, string(out))

	require.NoError(t, os.Mkdir(filepath.Join(repo, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sub", ".gitignore"),
		[]byte("secret.txt\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sub", "secret.txt"), []byte("hide"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sub", "visible.txt"), []byte("show"), 0o644))

	projects := project.NewManager(db, nil)
	proj, err := projects.Register(context.Background(), repo, "nested")
	require.NoError(t, err)
	srv := New(Deps{Config: &config.Config{}, DB: db, Projects: projects})

	w := doRequest(srv, http.MethodGet, "/api/files/tree?project_id="+proj.ID+"&path=sub", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []treeEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	names := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "visible.txt")
	assert.Contains(t, names, ".gitignore")
	assert.NotContains(t, names, "secret.txt", "a nested .gitignore hides its sibling")
}

func TestFileRead(t *testing.T) {
	srv, proj, _ := newFileFixture(t)

	w := doRequest(srv, http.MethodGet, "/api/files/read?project_id="+proj.ID+"&path=a.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a.txt", resp.Path)
	assert.Equal(t, "hello", resp.Content)
}

func TestFileReadTooLarge(t *testing.T) {
	srv, proj, repo := newFileFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "big.bin"),
		make([]byte, maxReadSize+1), 0o644))

	w := doRequest(srv, http.MethodGet, "/api/files/read?project_id="+proj.ID+"&path=big.bin", nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestFileReadDeniesGitDir(t *testing.T) {
	srv, proj, _ := newFileFixture(t)

	w := doRequest(srv, http.MethodGet,
		"/api/files/read?project_id="+proj.ID+"&path=.git%2Fconfig", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFileReadTraversalStaysInRoot(t *testing.T) {
	srv, proj, repo := newFileFixture(t)
	// A file outside the repo that a naive join would reach.
	outside := filepath.Join(filepath.Dir(repo), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o644))

	w := doRequest(srv, http.MethodGet,
		"/api/files/read?project_id="+proj.ID+"&path=..%2Fsecret.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "top secret")
}

func TestFileReadDeniesSymlinkEscape(t *testing.T) {
	srv, proj, repo := newFileFixture(t)
	outside := filepath.Join(filepath.Dir(repo), "outside-secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(repo, "link.txt")))

	w := doRequest(srv, http.MethodGet,
		"/api/files/read?project_id="+proj.ID+"&path=link.txt", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "top secret")
}

func TestFileReadUnknownProject(t *testing.T) {
	srv, _, _ := newFileFixture(t)
	w := doRequest(srv, http.MethodGet, "/api/files/read?project_id=nope&path=a.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFileWrite(t *testing.T) {
	srv, proj, repo := newFileFixture(t)

	body, _ := json.Marshal(map[string]string{
		"project_id": proj.ID,
		"path":       "notes/new.txt",
		"content":    "draft",
	})
	w := doRequest(srv, http.MethodPost, "/api/files/write", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code)

	raw, err := os.ReadFile(filepath.Join(repo, "notes", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "draft", string(raw))
}

func TestFileWriteRequiresPath(t *testing.T) {
	srv, proj, _ := newFileFixture(t)

	body, _ := json.Marshal(map[string]string{"project_id": proj.ID, "content": "x"})
	w := doRequest(srv, http.MethodPost, "/api/files/write", bytes.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
