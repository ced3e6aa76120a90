package renderer

import (
	"bytes"
	"embed"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/pkg/file"
	"github.com/rs/zerolog"
)

//go:embed templates
var templateFS embed.FS

// identifierPattern matches legal identifiers in the generated source language.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedWords are identifiers that would break the generated sketch even
// though they match the identifier pattern.
var reservedWords = map[string]struct{}{
	"auto": {}, "bool": {}, "break": {}, "case": {}, "char": {}, "class": {},
	"const": {}, "continue": {}, "default": {}, "delete": {}, "do": {},
	"double": {}, "else": {}, "enum": {}, "extern": {}, "float": {}, "for": {},
	"goto": {}, "if": {}, "int": {}, "long": {}, "namespace": {}, "new": {},
	"return": {}, "short": {}, "signed": {}, "sizeof": {}, "static": {},
	"struct": {}, "switch": {}, "template": {}, "typedef": {}, "union": {},
	"unsigned": {}, "void": {}, "volatile": {}, "while": {},
}

// Renderer fills a firmware source template with a resolved device
// configuration, producing a self-contained sketch tree inside a freshly
// created temporary directory. The caller owns removal of the directory.
type Renderer struct {
	fileClient file.FileOperations
	logger     zerolog.Logger
}

// NewRenderer creates a Renderer using the given file client and logger.
func NewRenderer(fileClient file.FileOperations, logger zerolog.Logger) *Renderer {
	return &Renderer{
		fileClient: fileClient,
		logger:     logger,
	}
}

// templateData is the parameter set handed to the firmware templates.
type templateData struct {
	SketchName   string
	SerialNumber string
	Processor    string
	OS           string
	Manufacturer string
	DataTypes    []dataTypeField
	Certificate  string
	PrivateKey   string
	RootCA       string
}

type dataTypeField struct {
	Name      string
	CType     string
	Direction string
}

// Render validates config and writes the rendered sketch tree. The output is
// deterministic: the same config and template ID always produce a
// byte-identical tree. On any error no tree is left behind.
func (r *Renderer) Render(config models.DeviceConfig, templateID string) (models.RenderedSource, error) {
	if err := r.validate(config); err != nil {
		return models.RenderedSource{}, err
	}

	tmpl, err := template.ParseFS(templateFS, "templates/"+templateID+"/*.tmpl")
	if err != nil {
		return models.RenderedSource{}, pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
			fmt.Sprintf("unknown template %q", templateID))
	}

	data := r.buildTemplateData(config)

	// Render everything into memory first so a template failure never
	// leaves a partial tree on disk.
	rendered := map[string][]byte{}
	for _, t := range tmpl.Templates() {
		name := strings.TrimSuffix(t.Name(), ".tmpl")
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return models.RenderedSource{}, pipeline.WrapError(pipeline.StageRender, pipeline.KindConfigInvalid, err)
		}
		rendered[name] = buf.Bytes()
	}

	dir, err := os.MkdirTemp("", "flashpipe-render-")
	if err != nil {
		return models.RenderedSource{}, pipeline.WrapError(pipeline.StageRender, pipeline.KindConfigInvalid, err)
	}
	// Rendered source contains key material; keep it private to the
	// invoking user.
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return models.RenderedSource{}, pipeline.WrapError(pipeline.StageRender, pipeline.KindConfigInvalid, err)
	}

	sketchDir := filepath.Join(dir, data.SketchName)
	if err := os.Mkdir(sketchDir, 0700); err != nil {
		os.RemoveAll(dir)
		return models.RenderedSource{}, pipeline.WrapError(pipeline.StageRender, pipeline.KindConfigInvalid, err)
	}

	var manifest []string
	for name, content := range rendered {
		// The sketch entry point must carry the sketch directory's name.
		outName := name
		if strings.HasSuffix(name, ".ino") {
			outName = data.SketchName + ".ino"
		}
		outPath := filepath.Join(sketchDir, outName)
		if err := r.fileClient.WriteFileRaw(outPath, content); err != nil {
			os.RemoveAll(dir)
			return models.RenderedSource{}, pipeline.WrapError(pipeline.StageRender, pipeline.KindConfigInvalid, err)
		}
		manifest = append(manifest, filepath.Join(data.SketchName, outName))
	}
	sort.Strings(manifest)

	r.logger.Info().
		Str("template", templateID).
		Str("sketch", data.SketchName).
		Int("files", len(manifest)).
		Msg("Rendered firmware source")

	return models.RenderedSource{
		Dir:        dir,
		SketchDir:  sketchDir,
		SketchFile: filepath.Join(sketchDir, data.SketchName+".ino"),
		Files:      manifest,
	}, nil
}

// validate enforces the DeviceConfig invariants before anything touches disk.
func (r *Renderer) validate(config models.DeviceConfig) error {
	if config.SerialNumber == "" {
		return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid, "serial number is empty")
	}
	if len(config.DataTypes) == 0 {
		return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid, "data type set is empty")
	}

	seen := map[string]struct{}{}
	for _, dt := range config.DataTypes {
		if !identifierPattern.MatchString(dt.Name) {
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("data type name %q is not a legal identifier", dt.Name))
		}
		if _, reserved := reservedWords[dt.Name]; reserved {
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("data type name %q is a reserved word", dt.Name))
		}
		if _, dup := seen[dt.Name]; dup {
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("duplicate data type name %q", dt.Name))
		}
		seen[dt.Name] = struct{}{}

		if cType(dt.Kind) == "" {
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("data type %q has unknown kind %q", dt.Name, dt.Kind))
		}
		switch dt.Direction {
		case models.DirectionDeviceToCloud, models.DirectionCloudToDevice, models.DirectionBidirectional:
		default:
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("data type %q has unknown direction %q", dt.Name, dt.Direction))
		}
	}

	for _, blob := range []struct {
		name string
		data string
	}{
		{"certificate", config.Credentials.CertificatePEM},
		{"private key", config.Credentials.PrivateKeyPEM},
		{"root CA", config.Credentials.RootCAPEM},
	} {
		if len(blob.data) == 0 {
			continue // credentials are optional for templates that provision out of band
		}
		if block, _ := pem.Decode([]byte(blob.data)); block == nil {
			return pipeline.NewError(pipeline.StageRender, pipeline.KindConfigInvalid,
				fmt.Sprintf("credential bundle %s is not valid PEM", blob.name))
		}
	}

	return nil
}

func (r *Renderer) buildTemplateData(config models.DeviceConfig) templateData {
	fields := make([]dataTypeField, 0, len(config.DataTypes))
	for _, dt := range config.DataTypes {
		fields = append(fields, dataTypeField{
			Name:      dt.Name,
			CType:     cType(dt.Kind),
			Direction: string(dt.Direction),
		})
	}

	return templateData{
		SketchName:   SketchName(config.SerialNumber),
		SerialNumber: config.SerialNumber,
		Processor:    config.Processor,
		OS:           config.OS,
		Manufacturer: config.Manufacturer,
		DataTypes:    fields,
		Certificate:  escapePEM(config.Credentials.CertificatePEM),
		PrivateKey:   escapePEM(config.Credentials.PrivateKeyPEM),
		RootCA:       escapePEM(config.Credentials.RootCAPEM),
	}
}

// SketchName derives the sketch directory name from a device serial number.
// The sketch directory and its .ino entry point must share this name.
func SketchName(serialNumber string) string {
	var b strings.Builder
	b.WriteString("fw_")
	for _, c := range strings.ToLower(serialNumber) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// escapePEM turns a PEM blob into a C string literal body, one source line
// per PEM line. Key material only ever appears inside the rendered tree.
func escapePEM(data string) string {
	if len(data) == 0 {
		return `""`
	}
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	quoted := make([]string, 0, len(lines))
	for _, line := range lines {
		quoted = append(quoted, fmt.Sprintf("%q \"\\n\"", line))
	}
	return strings.Join(quoted, " \\\n    ")
}

func cType(kind string) string {
	switch kind {
	case "int", "integer":
		return "int32_t"
	case "float", "double":
		return "float"
	case "string":
		return "String"
	case "bool", "boolean":
		return "bool"
	}
	return ""
}
