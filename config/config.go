// Package config reads and writes the display settings file.
//
// Settings live under the st7789v key of a YAML document, so the file can be
// shared with other programs:
//
//	st7789v:
//	  width: 240
//	  height: 320
//	  rotation: 90
//	  pins:
//	    dc: GPIO24
//	    rst: GPIO25
//	    bl: GPIO23
//
// Keys missing from the file keep their Default value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goerrors "github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

// Section is the top-level key holding the settings.
const Section = "st7789v"

// FileName is the name Find looks for.
const FileName = "st7789v.yaml"

var (
	// ErrInvalid is wrapped by every validation error.
	ErrInvalid = errors.New("config: invalid setting")
	// ErrNotFound is returned by Find when no settings file exists.
	ErrNotFound = errors.New("config: no settings file found")
)

// Pins names the control lines, as known to periph's gpioreg.
type Pins struct {
	DC  string `yaml:"dc"`
	RST string `yaml:"rst,omitempty"`
	CS  string `yaml:"cs,omitempty"`
	BL  string `yaml:"bl,omitempty"`
}

// Chunk bounds the size of pixel transfers, in bytes.
type Chunk struct {
	Initial int `yaml:"initial"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

// Config holds the display settings.
type Config struct {
	SPIBus  string `yaml:"spi_bus"` // spireg name, empty for the first port
	SpeedHz int64  `yaml:"speed_hz"`
	Pins    Pins   `yaml:"pins"`

	Width       int  `yaml:"width"`
	Height      int  `yaml:"height"`
	Rotation    int  `yaml:"rotation"`
	XOffset     int  `yaml:"x_offset"`
	YOffset     int  `yaml:"y_offset"`
	Invert      bool `yaml:"invert"`
	BGR         bool `yaml:"bgr"`
	PanelTuning bool `yaml:"panel_tuning"`

	Brightness       int  `yaml:"brightness"`
	BacklightAtClose bool `yaml:"backlight_at_close"`

	Gamma          float64 `yaml:"gamma"`
	Margin         int     `yaml:"margin"`
	MergeThreshold float64 `yaml:"merge_threshold"`
	MaxRegions     int     `yaml:"max_regions"`
	DiffBand       int     `yaml:"diff_band"`
	Chunk          Chunk   `yaml:"chunk"`
}

// Default returns the settings of a 240x320 module wired the common way on a
// Raspberry Pi header.
func Default() Config {
	return Config{
		SpeedHz: 32_000_000,
		Pins: Pins{
			DC:  "GPIO24",
			RST: "GPIO25",
			BL:  "GPIO23",
		},
		Width:          240,
		Height:         320,
		Invert:         true,
		Brightness:     255,
		Gamma:          1,
		MergeThreshold: 1.5,
		MaxRegions:     6,
		Chunk:          Chunk{Initial: 4096, Min: 1024, Max: 16384},
	}
}

func invalid(format string, args ...any) error {
	return goerrors.Wrap(fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...), 1)
}

// Validate checks that c can drive a display.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return invalid("size %dx%d", c.Width, c.Height)
	case c.Rotation != 0 && c.Rotation != 90 && c.Rotation != 180 && c.Rotation != 270:
		return invalid("rotation %d", c.Rotation)
	case c.XOffset < 0 || c.YOffset < 0:
		return invalid("offset %d,%d", c.XOffset, c.YOffset)
	case c.SpeedHz <= 0:
		return invalid("speed_hz %d", c.SpeedHz)
	case c.Pins.DC == "":
		return invalid("pins.dc is required")
	case c.Brightness < 0 || c.Brightness > 255:
		return invalid("brightness %d, must be 0-255", c.Brightness)
	case c.Gamma <= 0:
		return invalid("gamma %v", c.Gamma)
	case c.Margin < 0:
		return invalid("margin %d", c.Margin)
	case c.MergeThreshold != 0 && c.MergeThreshold < 1:
		return invalid("merge_threshold %v, must be >= 1", c.MergeThreshold)
	case c.DiffBand < 0:
		return invalid("diff_band %d", c.DiffBand)
	case c.Chunk.Min > 0 && c.Chunk.Max > 0 && c.Chunk.Min > c.Chunk.Max:
		return invalid("chunk.min %d > chunk.max %d", c.Chunk.Min, c.Chunk.Max)
	}
	return nil
}

// Paths returns the locations Find searches, in order.
func Paths() []string {
	paths := []string{filepath.Join(".", FileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, FileName))
	}
	return append(paths, filepath.Join("/etc", FileName))
}

// Find returns the first settings file of Paths that exists.
func Find() (string, error) {
	for _, p := range Paths() {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", goerrors.Wrap(ErrNotFound, 1)
}

// Load reads the settings in path. An empty path searches with Find and
// falls back to Default when nothing is found.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := Find()
		if errors.Is(err, ErrNotFound) {
			return Default(), nil
		}
		path = p
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, goerrors.Wrap(err, 0)
	}
	return Parse(b)
}

// Parse decodes a settings document over Default and validates it. Keys
// under the section that Config does not know are rejected; other top-level
// keys are left alone.
func Parse(b []byte) (Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Config{}, goerrors.WrapPrefix(err, "config", 0)
	}
	var section *yaml.Node
	if len(doc.Content) > 0 {
		top := doc.Content[0]
		if top.Kind != yaml.MappingNode {
			return Config{}, invalid("top level is not a mapping")
		}
		for i := 0; i+1 < len(top.Content); i += 2 {
			if top.Content[i].Value == Section {
				section = top.Content[i+1]
			}
		}
	}
	c, err := decodeSection(section)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// decodeSection decodes section over Default, rejecting unknown keys. A nil
// or empty section yields Default.
func decodeSection(section *yaml.Node) (Config, error) {
	c := Default()
	if section == nil || section.ShortTag() == "!!null" {
		return c, nil
	}
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	if err := enc.Encode(section); err != nil {
		return Config{}, goerrors.Wrap(err, 0)
	}
	if err := enc.Close(); err != nil {
		return Config{}, goerrors.Wrap(err, 0)
	}
	dec := yaml.NewDecoder(&b)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, invalid("%v", err)
	}
	return c, nil
}

// Save writes c to path. Other top-level keys of an existing file, and their
// comments, are kept.
func Save(path string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var section yaml.Node
	if err := section.Encode(c); err != nil {
		return goerrors.Wrap(err, 0)
	}
	doc, err := readNode(path)
	if err != nil {
		return err
	}
	*sectionNode(doc) = section
	return writeNode(path, doc)
}

// Update sets individual keys in the file at path, creating it when needed.
// Keys of nested settings are dotted, as in "pins.dc" or "chunk.max".
// Comments and unrelated keys are kept. Nothing is written when the result
// does not validate.
func Update(path string, settings map[string]string) error {
	doc, err := readNode(path)
	if err != nil {
		return err
	}
	section := sectionNode(doc)
	for k, v := range settings {
		if k == "" {
			return invalid("empty key")
		}
		n := section
		parts := strings.Split(k, ".")
		for _, p := range parts[:len(parts)-1] {
			n = child(n, p, yaml.MappingNode)
		}
		leaf := child(n, parts[len(parts)-1], yaml.ScalarNode)
		*leaf = yaml.Node{Kind: yaml.ScalarNode, Value: v, HeadComment: leaf.HeadComment, LineComment: leaf.LineComment}
	}

	// Check the result against the known keys before touching the file.
	c, err := decodeSection(section)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return writeNode(path, doc)
}

// readNode parses path, or returns an empty document when it does not exist.
func readNode(path string) (*yaml.Node, error) {
	doc := &yaml.Node{Kind: yaml.DocumentNode}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, goerrors.Wrap(err, 0)
	}
	if err := yaml.Unmarshal(b, doc); err != nil {
		return nil, goerrors.WrapPrefix(err, "config: "+path, 0)
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	return doc, nil
}

func writeNode(path string, doc *yaml.Node) error {
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return goerrors.Wrap(err, 0)
	}
	if err := enc.Close(); err != nil {
		return goerrors.Wrap(err, 0)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return goerrors.Wrap(err, 0)
	}
	return nil
}

// sectionNode returns the mapping under Section, adding it when missing.
func sectionNode(doc *yaml.Node) *yaml.Node {
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode}}
	}
	return child(doc.Content[0], Section, yaml.MappingNode)
}

// child returns the value of key in the mapping m, adding an empty one of
// the given kind when missing.
func child(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		*m = yaml.Node{Kind: yaml.MappingNode}
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	v := &yaml.Node{Kind: kind}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, v)
	return v
}
