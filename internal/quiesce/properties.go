package quiesce

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Properties is a parsed server.properties file.
type Properties map[string]string

// ReadProperties parses the key=value file at path.
func ReadProperties(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseProperties(f)
}

// ParseProperties reads the subset of the Java properties format that game
// servers write: one key=value or key:value pair per line, # and ! comments.
func ParseProperties(r io.Reader) (Properties, error) {
	props := Properties{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		i := strings.IndexAny(line, "=:")
		if i < 0 {
			props[line] = ""
			continue
		}
		props[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return props, sc.Err()
}

// Get returns the value for key or def when it is missing or empty.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}
