// Package manifest parses the namespaced component-manifest XML files
// extracted from an update's CAB archives, turning each <assemblyIdentity>
// + <file> set into a model.AssemblyRecord. Go's encoding/xml already
// matches elements by local name when a struct tag carries no namespace,
// so no explicit namespace-stripping pass is needed the way the original
// iterparse-based implementation required one.
package manifest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/m417z/winbindex-go/model"
	"github.com/pkg/errors"
)

type xmlDigestMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type xmlHash struct {
	DigestMethod xmlDigestMethod `xml:"DigestMethod"`
	DigestValue  string          `xml:"DigestValue"`
}

type xmlFile struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Hash  []xmlHash  `xml:"hash"`
}

type xmlAssemblyIdentity struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type xmlAssembly struct {
	XMLName           xml.Name              `xml:"assembly"`
	AssemblyIdentity  []xmlAssemblyIdentity `xml:"assemblyIdentity"`
	Files             []xmlFile             `xml:"file"`
}

// peLikeExtension matches the file extensions the original pipeline
// considers worth tracking in the filename->hash->tier index, ported
// from upd03_parse_manifests.py's regex.
var peLikeExtension = regexp.MustCompile(`(?i)\.(exe|dll|sys|winmd|cpl|ax|node|ocx|efi|acm|scr|tsp|drv)$`)

// ParseFile reads and parses the manifest at path.
func ParseFile(path string) (*model.AssemblyRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	return Parse(path, data)
}

// Parse parses raw manifest XML data. manifestName identifies the source
// file for error messages and for the manifest-name key used by the
// grouped-index writer.
func Parse(manifestName string, data []byte) (*model.AssemblyRecord, error) {
	var v xmlAssembly
	if err := xml.Unmarshal(data, &v); err != nil {
		return nil, model.NewPipelineError(model.KindStructural, manifestName,
			errors.Wrap(err, "decoding manifest XML"))
	}

	if len(v.AssemblyIdentity) != 1 {
		return nil, model.NewPipelineError(model.KindStructural, manifestName,
			fmt.Errorf("expected exactly one assemblyIdentity tag, found %d", len(v.AssemblyIdentity)))
	}

	identity := model.AssemblyIdentity{
		Attributes: attrsToModel(v.AssemblyIdentity[0].Attrs),
	}

	record := &model.AssemblyRecord{
		ManifestName: manifestName,
		Identity:     identity,
	}

	for _, f := range v.Files {
		parsed, err := parseFile(manifestName, f)
		if err != nil {
			return nil, err
		}
		record.Files = append(record.Files, *parsed)
	}

	return record, nil
}

func parseFile(manifestName string, f xmlFile) (*model.FileRecord, error) {
	if len(f.Hash) != 1 {
		return nil, model.NewPipelineError(model.KindStructural, manifestName,
			fmt.Errorf("expected a single hash tag, found %d", len(f.Hash)))
	}
	h := f.Hash[0]

	var algorithm string
	switch h.DigestMethod.Algorithm {
	case "http://www.w3.org/2000/09/xmldsig#sha1":
		algorithm = "sha1"
	case "http://www.w3.org/2000/09/xmldsig#sha256":
		algorithm = "sha256"
	default:
		return nil, model.NewPipelineError(model.KindStructural, manifestName,
			fmt.Errorf("expected Algorithm to be sha1 or sha256, got %q", h.DigestMethod.Algorithm))
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h.DigestValue))
	if err != nil {
		return nil, model.NewPipelineError(model.KindStructural, manifestName,
			errors.Wrap(err, "decoding DigestValue"))
	}
	hash := hex.EncodeToString(raw)

	name := attrValue(f.Attrs, "name")

	record := &model.FileRecord{
		Name:       name,
		Attributes: attrsToModel(f.Attrs),
	}
	if algorithm == "sha1" {
		record.SHA1 = hash
	} else {
		record.SHA256 = hash
	}

	return record, nil
}

// IsTrackedExtension reports whether filename carries an extension the
// filename->hash->tier index tracks.
func IsTrackedExtension(filename string) bool {
	base := filename
	if i := strings.LastIndexByte(base, '\\'); i >= 0 {
		base = base[i+1:]
	}
	return peLikeExtension.MatchString(strings.ToLower(base))
}

func attrsToModel(attrs []xml.Attr) []model.Attribute {
	out := make([]model.Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, model.Attribute{Name: a.Name.Local, Value: a.Value})
	}
	return out
}

func attrValue(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
