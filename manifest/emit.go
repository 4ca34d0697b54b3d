package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/pkg/urlenc"
)

// Flag adjusts what Emit writes.
type Flag uint8

const (
	// Compact omits files, directories and scripts.
	Compact Flag = 1 << iota
	// Pretty renders the document-markup dialect instead of compact
	// object notation.
	Pretty
	// NoFiles omits files and directories but keeps scripts.
	NoFiles
)

// Emit serializes p. Field order is fixed so that repeated emission of the
// same package yields the same bytes; catalog digests depend on this.
func Emit(p *pkgcat.Package, w io.Writer, flags Flag) error {
	top := buildDocument(p, flags)
	var out []byte
	if flags&Pretty != 0 {
		out = appendPretty(nil, top, 0)
	} else {
		out = appendCompact(nil, top)
	}
	_, err := w.Write(out)
	return err
}

// EmitDigest is Emit, also returning the SHA-256 of the compact-mode bytes
// as 64 lowercase hex characters. When Pretty is not requested the digest
// covers exactly the written bytes.
func EmitDigest(p *pkgcat.Package, w io.Writer, flags Flag) (string, error) {
	top := buildDocument(p, flags)
	compact := appendCompact(nil, top)
	sum := sha256.Sum256(compact)
	digest := hex.EncodeToString(sum[:])

	out := compact
	if flags&Pretty != 0 {
		out = appendPretty(nil, top, 0)
	}
	if _, err := w.Write(out); err != nil {
		return "", err
	}
	return digest, nil
}

// Digest returns the fingerprint of p's full manifest without writing it
// anywhere.
func Digest(p *pkgcat.Package) string {
	sum := sha256.Sum256(appendCompact(nil, buildDocument(p, 0)))
	return hex.EncodeToString(sum[:])
}

// EmitFileList writes the origin/name/version header plus the
// percent-encoded list of the package's files, compact.
func EmitFileList(p *pkgcat.Package, w io.Writer) error {
	top := Value{Kind: Object}
	obj := &top
	addString(obj, "origin", p.Origin)
	addString(obj, "name", p.Name)
	addString(obj, "version", p.Version)
	if len(p.Files) > 0 {
		seq := Value{Kind: Array}
		for i := range p.Files {
			seq.Elems = append(seq.Elems, Value{Kind: String, Str: urlenc.Encode(p.Files[i].Path)})
		}
		obj.Fields = append(obj.Fields, Field{Key: "files", Value: seq})
	}
	_, err := w.Write(appendCompact(nil, top))
	return err
}

func buildDocument(p *pkgcat.Package, flags Flag) Value {
	top := Value{Kind: Object}
	obj := &top

	for _, sc := range []struct{ key, val string }{
		{"name", p.Name},
		{"origin", p.Origin},
		{"version", p.Version},
		{"arch", p.Arch},
		{"maintainer", p.Maintainer},
		{"prefix", p.Prefix},
		{"www", p.WWW},
		{"path", p.RepoPath},
		{"sum", p.Sum},
	} {
		if sc.val != "" {
			addString(obj, sc.key, sc.val)
		}
	}
	if p.FlatSize > 0 {
		addInt(obj, "flatsize", p.FlatSize)
	}

	if p.Comment != "" {
		addString(obj, "comment", strings.TrimSpace(p.Comment))
	}
	addString(obj, "licenselogic", p.LicenseLogic.String())
	addStringArray(obj, "licenses", p.Licenses)
	if p.PkgSize > 0 {
		addInt(obj, "pkgsize", p.PkgSize)
	}
	addString(obj, "desc", strings.TrimSpace(urlenc.Encode(p.Desc)))

	if len(p.Deps) > 0 {
		m := Value{Kind: Object}
		for i := range p.Deps {
			d := &p.Deps[i]
			sub := Value{Kind: Object}
			addString(&sub, "origin", d.Origin)
			addString(&sub, "version", d.Version)
			m.Fields = append(m.Fields, Field{Key: d.Name, Value: sub})
		}
		obj.Fields = append(obj.Fields, Field{Key: "deps", Value: m})
	}

	addStringArray(obj, "categories", p.Categories)
	if len(p.Users) > 0 {
		seq := Value{Kind: Array}
		for i := range p.Users {
			seq.Elems = append(seq.Elems, Value{Kind: String, Str: p.Users[i].Name})
		}
		obj.Fields = append(obj.Fields, Field{Key: "users", Value: seq})
	}
	if len(p.Groups) > 0 {
		seq := Value{Kind: Array}
		for i := range p.Groups {
			seq.Elems = append(seq.Elems, Value{Kind: String, Str: p.Groups[i].Name})
		}
		obj.Fields = append(obj.Fields, Field{Key: "groups", Value: seq})
	}
	addStringArray(obj, "shlibs_required", p.ShlibsRequired)
	addStringArray(obj, "shlibs_provided", p.ShlibsProvided)

	// Conflicts and provides emit their own identifiers, in the array
	// shape the schema admits them in.
	addStringArray(obj, "conflicts", p.Conflicts)
	addStringArray(obj, "provides", p.Provides)
	if len(p.Options) > 0 {
		m := Value{Kind: Object}
		for i := range p.Options {
			addString(&m, p.Options[i].Key, p.Options[i].Value)
		}
		obj.Fields = append(obj.Fields, Field{Key: "options", Value: m})
	}

	if flags&Compact == 0 {
		if flags&NoFiles == 0 {
			if len(p.Files) > 0 {
				m := Value{Kind: Object}
				for i := range p.Files {
					f := &p.Files[i]
					sum := f.Sum
					if sum == "" {
						sum = "-"
					}
					addString(&m, urlenc.Encode(f.Path), sum)
				}
				obj.Fields = append(obj.Fields, Field{Key: "files", Value: m})
			}
			if len(p.Dirs) > 0 {
				m := Value{Kind: Object}
				for i := range p.Dirs {
					d := &p.Dirs[i]
					try := "n"
					if d.Try {
						try = "y"
					}
					addString(&m, urlenc.Encode(d.Path), try)
				}
				obj.Fields = append(obj.Fields, Field{Key: "directories", Value: m})
			}
		}
		if len(p.Scripts) > 0 {
			m := Value{Kind: Object}
			for phase := pkgcat.ScriptPhase(0); phase < pkgcat.NumScripts; phase++ {
				body, ok := p.Scripts[phase]
				if !ok {
					continue
				}
				addString(&m, phase.String(), strings.TrimSpace(urlenc.Encode(body)))
			}
			obj.Fields = append(obj.Fields, Field{Key: "scripts", Value: m})
		}
	}

	if p.Message != "" {
		addString(obj, "message", strings.TrimSpace(urlenc.Encode(p.Message)))
	}

	return top
}

func addString(obj *Value, key, val string) {
	obj.Fields = append(obj.Fields, Field{Key: key, Value: Value{Kind: String, Str: val}})
}

func addInt(obj *Value, key string, val int64) {
	obj.Fields = append(obj.Fields, Field{Key: key, Value: Value{Kind: Int, Int: val}})
}

func addStringArray(obj *Value, key string, vals []string) {
	if len(vals) == 0 {
		return
	}
	seq := Value{Kind: Array}
	for _, v := range vals {
		seq.Elems = append(seq.Elems, Value{Kind: String, Str: v})
	}
	obj.Fields = append(obj.Fields, Field{Key: key, Value: seq})
}

// appendCompact renders v as compact object notation.
func appendCompact(dst []byte, v Value) []byte {
	switch v.Kind {
	case Null:
		return append(dst, "null"...)
	case Bool:
		if v.Bool {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case Int:
		return strconv.AppendInt(dst, v.Int, 10)
	case String:
		return appendQuoted(dst, v.Str)
	case Array:
		dst = append(dst, '[')
		for i, e := range v.Elems {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCompact(dst, e)
		}
		return append(dst, ']')
	case Object:
		dst = append(dst, '{')
		for i, f := range v.Fields {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendQuoted(dst, f.Key)
			dst = append(dst, ':')
			dst = appendCompact(dst, f.Value)
		}
		return append(dst, '}')
	}
	panic(fmt.Sprintf("unhandled kind %v", v.Kind))
}

const hexdigit = "0123456789abcdef"

func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			dst = append(dst, '\\', c)
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexdigit[c>>4], hexdigit[c&0xf])
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

// appendPretty renders v in the document-markup dialect.
func appendPretty(dst []byte, v Value, indent int) []byte {
	switch v.Kind {
	case Object:
		for _, f := range v.Fields {
			dst = appendIndent(dst, indent)
			dst = appendScalarPretty(dst, f.Key)
			dst = append(dst, ':')
			dst = appendPrettyValue(dst, f.Value, indent)
		}
	default:
		dst = appendPrettyValue(dst, v, indent)
	}
	return dst
}

func appendPrettyValue(dst []byte, v Value, indent int) []byte {
	switch v.Kind {
	case Object:
		if len(v.Fields) == 0 {
			return append(dst, " {}\n"...)
		}
		dst = append(dst, '\n')
		return appendPretty(dst, v, indent+1)
	case Array:
		dst = append(dst, '\n')
		for _, e := range v.Elems {
			dst = appendIndent(dst, indent)
			dst = append(dst, '-', ' ')
			dst = appendScalarPretty(dst, e.forceString())
			dst = append(dst, '\n')
		}
		return dst
	case Null:
		return append(dst, " ~\n"...)
	case Bool, Int:
		dst = append(dst, ' ')
		dst = append(dst, v.forceString()...)
		return append(dst, '\n')
	case String:
		dst = append(dst, ' ')
		dst = appendScalarPretty(dst, v.Str)
		return append(dst, '\n')
	}
	return dst
}

func appendIndent(dst []byte, n int) []byte {
	for range n {
		dst = append(dst, ' ', ' ')
	}
	return dst
}

// appendScalarPretty quotes a markup scalar unless it's unambiguously
// plain.
func appendScalarPretty(dst []byte, s string) []byte {
	if plainScalar(s) {
		return append(dst, s...)
	}
	return appendQuoted(dst, s)
}

func plainScalar(s string) bool {
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "y", "n", "yes", "no", "true", "false", "on", "off", "null", "~":
		return false
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '/' || c == '%' || c == '+' || c == '-':
		default:
			return false
		}
	}
	return true
}
