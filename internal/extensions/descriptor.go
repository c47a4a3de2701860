// Package extensions discovers third-party extensions under the plugins
// directory and composes their routes, views and settings entries with the
// first-party surface.
//
// Each extension is a directory holding a descriptor:
//
//	plugins/
//	  motd/
//	    plugin.json   (or plugin.yaml / plugin.yml)
//	    routes/       (route modules, see package routing)
//	    views/        (templates)
//
// A descriptor names the extension and may list its capabilities. Keys other
// than the recognized ones are kept as the extension's configuration.
package extensions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrDescriptorInvalid marks an extension whose descriptor is missing,
// unreadable or fails validation.
var ErrDescriptorInvalid = errors.New("invalid extension descriptor")

// Capability is a kind of contribution an extension makes.
type Capability string

const (
	CapRoutes          Capability = "routes"
	CapViews           Capability = "views"
	CapSettingsEntries Capability = "settings-entries"
)

// DescriptorFiles are the file names probed in each extension directory, in order.
var DescriptorFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

const (
	defaultRoutesDir = "routes"
	defaultViewsDir  = "views"
)

// Descriptor is a validated extension descriptor.
type Descriptor struct {
	Name         string       `mapstructure:"name" json:"name" validate:"required,max=128,extname"`
	Version      string       `mapstructure:"version" json:"version,omitempty"`
	Description  string       `mapstructure:"description" json:"description,omitempty"`
	Capabilities []Capability `mapstructure:"capabilities" json:"capabilities" validate:"dive,oneof=routes views settings-entries"`
	RoutesDir    string       `mapstructure:"routes_dir" json:"-" validate:"omitempty,localpath"`
	ViewsDir     string       `mapstructure:"views_dir" json:"-" validate:"omitempty,localpath"`
	// Config holds every key the descriptor declares beyond the ones above.
	Config map[string]any `mapstructure:",remain" json:"config"`

	// Root is the extension directory.
	Root string `mapstructure:"-" json:"-"`
	// File is the descriptor file that was read.
	File string `mapstructure:"-" json:"-"`
}

// Has reports whether the extension declares c.
func (d *Descriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// RoutesPath is the extension's route modules directory.
func (d *Descriptor) RoutesPath() string {
	return filepath.Join(d.Root, filepath.FromSlash(d.RoutesDir))
}

// ViewsPath is the extension's templates directory.
func (d *Descriptor) ViewsPath() string {
	return filepath.Join(d.Root, filepath.FromSlash(d.ViewsDir))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("extname", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return strings.TrimSpace(name) != "" &&
			!strings.ContainsAny(name, `/\`) &&
			name != "." && name != ".."
	})
	v.RegisterValidation("localpath", func(fl validator.FieldLevel) bool {
		return filepath.IsLocal(filepath.FromSlash(fl.Field().String()))
	})
	return v
}

// ReadDescriptor loads the descriptor of the extension in dir.
func ReadDescriptor(dir string) (*Descriptor, error) {
	var (
		file string
		data []byte
	)
	for _, name := range DescriptorFiles {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			file, data = name, b
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorInvalid, name, err)
		}
	}
	if file == "" {
		return nil, fmt.Errorf("%w: no %s found", ErrDescriptorInvalid, strings.Join(DescriptorFiles, ", "))
	}

	raw, err := decodeRaw(file, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorInvalid, file, err)
	}

	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorInvalid, file, err)
	}
	d.Root = dir
	d.File = file
	if d.Capabilities == nil {
		d.Capabilities = inferCapabilities(d)
	}
	return d, nil
}

func decodeRaw(file string, data []byte) (map[string]any, error) {
	var raw map[string]any
	if filepath.Ext(file) == ".json" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("descriptor is empty")
	}
	return raw, nil
}

// ParseDescriptor decodes and validates a descriptor from its generic form.
func ParseDescriptor(raw map[string]any) (*Descriptor, error) {
	d := &Descriptor{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           d,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}
	if d.RoutesDir == "" {
		d.RoutesDir = defaultRoutesDir
	}
	if d.ViewsDir == "" {
		d.ViewsDir = defaultViewsDir
	}
	if d.Config == nil {
		d.Config = map[string]any{}
	}
	if err := validate.Struct(d); err != nil {
		return nil, formatValidationError(err)
	}
	return d, nil
}

// inferCapabilities derives capabilities from the directories present when a
// descriptor does not list any.
func inferCapabilities(d *Descriptor) []Capability {
	var caps []Capability
	if isDir(d.RoutesPath()) {
		caps = append(caps, CapRoutes)
	}
	if isDir(d.ViewsPath()) {
		caps = append(caps, CapViews)
	}
	return append(caps, CapSettingsEntries)
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}
