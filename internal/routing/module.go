// Package routing discovers declarative route modules, assembles them into an
// ordered dispatch table and mounts that table on a chi router.
//
// A route module is an HCL file holding route blocks:
//
//	route "GET" "/{instanceId}/create-backup" {
//	  handler = "instance.create_backup"
//	}
//	route "GET" "/discord" {
//	  redirect = "https://discord.gg/example"
//	  status   = 301
//	}
//	route "GET" "/about" {
//	  template = "about"
//	  data     = { title = "About" }
//	}
//	route "GET" "/version" { json = { version = "1.0.0" } }
//	route "GET" "/logo.png" { static = "assets/logo.png" }
//
// Each block carries exactly one action. Handler names refer to Go handlers
// registered in a Registry.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ErrInvalidModule marks a route module that failed to parse or validate.
var ErrInvalidModule = errors.New("invalid route module")

// ActionKind says what a route does when it matches.
type ActionKind int

const (
	ActionHandler ActionKind = iota
	ActionRedirect
	ActionTemplate
	ActionJSON
	ActionStatic
)

func (k ActionKind) String() string {
	switch k {
	case ActionHandler:
		return "handler"
	case ActionRedirect:
		return "redirect"
	case ActionTemplate:
		return "template"
	case ActionJSON:
		return "json"
	case ActionStatic:
		return "static"
	}
	return "unknown"
}

// Action is the decoded body of a route block.
type Action struct {
	Kind ActionKind `json:"kind"`
	// Handler names a registered Go handler.
	Handler string `json:"handler,omitempty"`
	// Target and Status describe a redirect.
	Target string `json:"target,omitempty"`
	Status int    `json:"status,omitempty"`
	// Template names a view; Data is passed to it as JSON-decoded values.
	Template string          `json:"template,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	// File is the absolute path served by a static route.
	File string `json:"-"`
}

// Route is one dispatch table entry.
type Route struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
	Action  Action `json:"action"`
	// Source is the module the route came from, relative to its routes root.
	Source string `json:"source"`
	// Origin is "core" for first-party routes or the extension name.
	Origin string `json:"origin"`
}

// CoreOrigin marks first-party routes.
const CoreOrigin = "core"

// Module is a parsed route module file.
type Module struct {
	Path   string
	Name   string
	Routes []Route
}

type moduleFile struct {
	Routes []*routeBlock `hcl:"route,block"`
}

type routeBlock struct {
	Method   string         `hcl:"method,label"`
	Path     string         `hcl:"path,label"`
	Handler  *string        `hcl:"handler,optional"`
	Redirect *string        `hcl:"redirect,optional"`
	Status   *int           `hcl:"status,optional"`
	Template *string        `hcl:"template,optional"`
	Data     hcl.Expression `hcl:"data,optional"`
	JSON     hcl.Expression `hcl:"json,optional"`
	Static   *string        `hcl:"static,optional"`
}

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// ParseModule reads the route module at path. name is the module's slash
// path relative to its routes root and origin tags every route.
func ParseModule(path, name, origin string) (*Module, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidModule, name, diags.Error())
	}

	var root moduleFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidModule, name, diags.Error())
	}

	mod := &Module{Path: path, Name: name}
	for i, b := range root.Routes {
		route, err := b.toRoute(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: route %d (%s %s): %v", ErrInvalidModule, name, i+1, b.Method, b.Path, err)
		}
		route.Source = name
		route.Origin = origin
		mod.Routes = append(mod.Routes, route)
	}
	return mod, nil
}

func (b *routeBlock) toRoute(dir string) (Route, error) {
	method := strings.ToUpper(b.Method)
	if !methods[method] {
		return Route{}, fmt.Errorf("unsupported method %q", b.Method)
	}
	if err := checkPattern(b.Path); err != nil {
		return Route{}, err
	}

	var actions []Action
	if b.Handler != nil {
		if *b.Handler == "" {
			return Route{}, fmt.Errorf("handler name is empty")
		}
		actions = append(actions, Action{Kind: ActionHandler, Handler: *b.Handler})
	}
	if b.Redirect != nil {
		status := http.StatusFound
		if b.Status != nil {
			status = *b.Status
		}
		if status < 300 || status > 308 {
			return Route{}, fmt.Errorf("redirect status %d is not a 3xx code", status)
		}
		actions = append(actions, Action{Kind: ActionRedirect, Target: *b.Redirect, Status: status})
	} else if b.Status != nil {
		return Route{}, fmt.Errorf("status is only valid with redirect")
	}
	if b.Template != nil {
		a := Action{Kind: ActionTemplate, Template: *b.Template}
		if present(b.Data) {
			data, err := valueJSON(b.Data)
			if err != nil {
				return Route{}, fmt.Errorf("data: %w", err)
			}
			a.Data = data
		}
		actions = append(actions, a)
	} else if present(b.Data) {
		return Route{}, fmt.Errorf("data is only valid with template")
	}
	if present(b.JSON) {
		data, err := valueJSON(b.JSON)
		if err != nil {
			return Route{}, fmt.Errorf("json: %w", err)
		}
		actions = append(actions, Action{Kind: ActionJSON, Data: data})
	}
	if b.Static != nil {
		rel := filepath.FromSlash(*b.Static)
		if !filepath.IsLocal(rel) {
			return Route{}, fmt.Errorf("static path %q escapes the module directory", *b.Static)
		}
		actions = append(actions, Action{Kind: ActionStatic, File: filepath.Join(dir, rel)})
	}

	if len(actions) != 1 {
		return Route{}, fmt.Errorf("exactly one of handler, redirect, template, json or static is required, got %d", len(actions))
	}
	return Route{Method: method, Pattern: b.Path, Action: actions[0]}, nil
}

// present reports whether an optional attribute was set. Absent attributes
// decode to a static null expression.
func present(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	v, diags := expr.Value(nil)
	return diags.HasErrors() || !v.IsNull()
}

func valueJSON(expr hcl.Expression) (json.RawMessage, error) {
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value must be known at load time")
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// checkPattern rejects patterns that chi would panic on when registering:
// unbalanced braces, a wildcard that is not the last character, unnamed or
// repeated parameters and parameter regexps that do not compile.
func checkPattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("path must start with /")
	}
	seen := make(map[string]bool)
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '}':
			return fmt.Errorf("unexpected } at offset %d", i)
		case '*':
			if i != len(pattern)-1 {
				return fmt.Errorf("wildcard * must be the last character of the path")
			}
		case '{':
			end := closingBrace(pattern, i)
			if end < 0 {
				return fmt.Errorf("parameter at offset %d is missing its closing }", i)
			}
			name, rx, hasRx := strings.Cut(pattern[i+1:end], ":")
			if name == "" {
				return fmt.Errorf("parameter at offset %d has no name", i)
			}
			if seen[name] {
				return fmt.Errorf("parameter %q appears more than once", name)
			}
			seen[name] = true
			if hasRx {
				if _, err := regexp.Compile(rx); err != nil {
					return fmt.Errorf("parameter %q: %w", name, err)
				}
			}
			i = end
		}
	}
	return nil
}

// closingBrace returns the index of the } matching the { at open, counting
// braces nested inside parameter regexps, or -1.
func closingBrace(pattern string, open int) int {
	depth := 0
	for i := open; i < len(pattern); i++ {
		switch pattern[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
