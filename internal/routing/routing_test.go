package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const allActions = `
route "GET" "/{instanceId}/create-backup" {
  handler = "instance.create_backup"
}

route "get" "/discord" {
  redirect = "https://discord.gg/example"
  status   = 301
}

route "GET" "/about" {
  template = "about"
  data     = { title = "About", tags = ["a", "b"] }
}

route "GET" "/version" {
  json = { version = "1.2.3", beta = true }
}

route "GET" "/logo.png" {
  static = "assets/logo.png"
}
`

func TestParseModule_AllActions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.hcl")
	writeFile(t, path, allActions)

	mod, err := ParseModule(path, "site.hcl", CoreOrigin)
	require.NoError(t, err)
	require.Len(t, mod.Routes, 5)

	r := mod.Routes
	assert.Equal(t, ActionHandler, r[0].Action.Kind)
	assert.Equal(t, "instance.create_backup", r[0].Action.Handler)
	assert.Equal(t, "site.hcl", r[0].Source)
	assert.Equal(t, CoreOrigin, r[0].Origin)

	assert.Equal(t, "GET", r[1].Method)
	assert.Equal(t, ActionRedirect, r[1].Action.Kind)
	assert.Equal(t, 301, r[1].Action.Status)

	assert.Equal(t, ActionTemplate, r[2].Action.Kind)
	assert.JSONEq(t, `{"title":"About","tags":["a","b"]}`, string(r[2].Action.Data))

	assert.JSONEq(t, `{"version":"1.2.3","beta":true}`, string(r[3].Action.Data))

	assert.Equal(t, filepath.Join(dir, "assets", "logo.png"), r[4].Action.File)
}

func TestParseModule_Invalid(t *testing.T) {
	cases := map[string]string{
		"two actions":     `route "GET" "/x" { handler = "a"` + "\n" + `json = {} }`,
		"no action":       `route "GET" "/x" {}`,
		"bad method":      `route "FETCH" "/x" { handler = "a" }`,
		"relative path":   `route "GET" "x" { handler = "a" }`,
		"escaping static": `route "GET" "/x" { static = "../secret" }`,
		"status alone":    `route "GET" "/x" { handler = "a"` + "\n" + `status = 301 }`,
		"bad redirect":    `route "GET" "/x" { redirect = "/y"` + "\n" + `status = 200 }`,
		"syntax":          `route "GET" "/x" {`,
		"unknown attr":    `route "GET" "/x" { handler = "a"` + "\n" + `color = "red" }`,
		"unclosed param":  `route "GET" "/{id" { json = "x" }`,
		"stray brace":     `route "GET" "/id}" { json = "x" }`,
		"inner wildcard":  `route "GET" "/a/*/b" { json = "x" }`,
		"repeated param":  `route "GET" "/{x}/{x}" { json = "x" }`,
		"unnamed param":   `route "GET" "/{}" { json = "x" }`,
		"bad param regex": `route "GET" "/{id:[a-}" { json = "x" }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.hcl")
			writeFile(t, path, src)
			_, err := ParseModule(path, "bad.hcl", CoreOrigin)
			assert.ErrorIs(t, err, ErrInvalidModule)
		})
	}
}

func TestDiscover_OrderAndFiltering(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.hcl"), `route "GET" "/b" { json = 1 }`)
	writeFile(t, filepath.Join(root, "a", "z.hcl"), `route "GET" "/az" { json = 1 }`)
	writeFile(t, filepath.Join(root, "a", "y.hcl"), `route "GET" "/ay" { json = 1 }`)
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")

	mods, err := Discover(context.Background(), root)
	require.NoError(t, err)
	var names []string
	for _, m := range mods {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"a/y.hcl", "a/z.hcl", "b.hcl"}, names)
}

func TestDiscover_MissingRoot(t *testing.T) {
	mods, err := Discover(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestDiscover_InvalidModule(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad.hcl"), `route "GET" {`)
	writeFile(t, filepath.Join(root, "good.hcl"), `route "GET" "/ok" { json = true }`)

	_, err := Discover(context.Background(), root)
	assert.ErrorIs(t, err, ErrInvalidModule)

	mods, err := Discover(context.Background(), root, SkipInvalidModules(), WithOrigin("ext"))
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "ext", mods[0].Routes[0].Origin)
}

func TestTable_FirstMountWins(t *testing.T) {
	table := NewTable()
	assert.True(t, table.Add(Route{Method: "GET", Pattern: "/{id}/x", Origin: "core"}))
	assert.False(t, table.Add(Route{Method: "GET", Pattern: "/{instanceId}/x", Origin: "ext"}))
	assert.True(t, table.Add(Route{Method: "POST", Pattern: "/{id}/x", Origin: "ext"}))
	assert.True(t, table.Add(Route{Method: "GET", Pattern: "/{id:[0-9]+}/x", Origin: "ext"}))

	entries := table.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "core", entries[0].Origin)

	entries[0].Origin = "mutated"
	assert.Equal(t, "core", table.Entries()[0].Origin)
	assert.Equal(t, 3, table.Clone().Len())
}

func TestTable_Validate(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("known", func(http.ResponseWriter, *http.Request) {})

	table := NewTable()
	table.Add(Route{Method: "GET", Pattern: "/a", Origin: CoreOrigin, Action: Action{Kind: ActionHandler, Handler: "known"}})
	table.Add(Route{Method: "GET", Pattern: "/b", Origin: "ext", Action: Action{Kind: ActionHandler, Handler: "missing"}})
	require.NoError(t, table.Validate(reg))

	table.Add(Route{Method: "GET", Pattern: "/c", Origin: CoreOrigin, Action: Action{Kind: ActionHandler, Handler: "missing"}})
	assert.Error(t, table.Validate(reg))
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("a", func(http.ResponseWriter, *http.Request) {})
	assert.Panics(t, func() { reg.RegisterFunc("a", func(http.ResponseWriter, *http.Request) {}) })
	assert.Equal(t, []string{"a"}, reg.Names())
}

func TestMount_ServesActions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "routes", "site.hcl"), allActions)
	writeFile(t, filepath.Join(dir, "routes", "assets", "logo.png"), "PNG")
	writeFile(t, filepath.Join(dir, "views", "about.html"), `<h1>{{.title}}</h1><p>{{len .plugins}}</p>`)

	mods, err := Discover(context.Background(), filepath.Join(dir, "routes"))
	require.NoError(t, err)
	table := NewTable()
	table.AddModules(mods)

	reg := NewRegistry()
	reg.RegisterFunc("instance.create_backup", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backup " + chi.URLParam(r, "instanceId")))
	})

	router := chi.NewRouter()
	n := Mount(router, table, MountOptions{
		Handlers: reg,
		Views:    NewViewResolver(filepath.Join(dir, "views")),
		Locals: func(*http.Request) map[string]any {
			return map[string]any{"plugins": []string{"x", "y"}}
		},
	})
	assert.Equal(t, 5, n)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/srv-42/create-backup")
	assert.Equal(t, "backup srv-42", rec.Body.String())

	rec = get("/discord")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://discord.gg/example", rec.Header().Get("Location"))

	rec = get("/about")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>About</h1><p>2</p>", rec.Body.String())

	rec = get("/version")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"version":"1.2.3","beta":true}`, rec.Body.String())

	rec = get("/logo.png")
	assert.Equal(t, "PNG", rec.Body.String())
}

func TestMount_SkipsUnknownHandler(t *testing.T) {
	table := NewTable()
	table.Add(Route{Method: "GET", Pattern: "/x", Origin: "ext", Action: Action{Kind: ActionHandler, Handler: "nope"}})
	router := chi.NewRouter()
	assert.Zero(t, Mount(router, table, MountOptions{Handlers: NewRegistry()}))
}

func TestCheckPattern_Accepts(t *testing.T) {
	for _, pattern := range []string{
		"/",
		"/{instanceId}/create-backup",
		"/files/*",
		"/{id:[0-9]{3}}/{name}",
		"/{id:[a-z]*}",
	} {
		assert.NoError(t, checkPattern(pattern), pattern)
	}
}

func TestMount_SkipsPatternsRouterRejects(t *testing.T) {
	table := NewTable()
	table.Add(Route{Method: "GET", Pattern: "/{id", Origin: "ext", Action: Action{Kind: ActionJSON, Data: []byte(`1`)}})
	table.Add(Route{Method: "GET", Pattern: "/ok", Origin: "ext", Action: Action{Kind: ActionJSON, Data: []byte(`2`)}})

	router := chi.NewRouter()
	var mounted int
	require.NotPanics(t, func() { mounted = Mount(router, table, MountOptions{}) })
	assert.Equal(t, 1, mounted)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, "2", rec.Body.String())
}

func TestMount_ReservedPrefixes(t *testing.T) {
	table := NewTable()
	for _, pattern := range []string{"/healthz", "/api/events", "/api*", "/apiary"} {
		table.Add(Route{Method: "GET", Pattern: pattern, Origin: "ext", Action: Action{Kind: ActionJSON, Data: []byte(`"ext"`)}})
	}
	table.Add(Route{Method: "GET", Pattern: "/api/core", Origin: CoreOrigin, Action: Action{Kind: ActionJSON, Data: []byte(`"core"`)}})

	router := chi.NewRouter()
	mounted := Mount(router, table, MountOptions{Reserved: []string{"/api", "/healthz"}})
	assert.Equal(t, 2, mounted)

	status := func(path string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusNotFound, status("/healthz"))
	assert.Equal(t, http.StatusNotFound, status("/api/events"))
	assert.Equal(t, http.StatusOK, status("/apiary"))
	assert.Equal(t, http.StatusOK, status("/api/core"))
}

func TestViewResolver_SearchOrder(t *testing.T) {
	core := t.TempDir()
	ext := t.TempDir()
	writeFile(t, filepath.Join(core, "index.html"), "core")
	writeFile(t, filepath.Join(ext, "index.html"), "ext")
	writeFile(t, filepath.Join(ext, "plugin", "page.tmpl"), "page {{.n}}")

	v := NewViewResolver(core, ext)
	p, err := v.Resolve("index")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(core, "index.html"), p)

	var out bytesBuffer
	require.NoError(t, v.Render(&out, "plugin/page", map[string]any{"n": 7}))
	assert.Equal(t, "page 7", out.String())

	_, err = v.Resolve("../index")
	assert.ErrorIs(t, err, ErrViewNotFound)
	_, err = v.Resolve("missing")
	assert.ErrorIs(t, err, ErrViewNotFound)
}

func TestNotFoundHandler(t *testing.T) {
	views := t.TempDir()
	rec := httptest.NewRecorder()
	NotFoundHandler(NewViewResolver(views)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	writeFile(t, filepath.Join(views, "errors", "404.html"), "gone: {{.path}}")
	rec = httptest.NewRecorder()
	NotFoundHandler(NewViewResolver(views)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "gone: /missing", rec.Body.String())
}

type bytesBuffer struct{ b []byte }

func (w *bytesBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *bytesBuffer) String() string { return string(w.b) }
