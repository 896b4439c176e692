// Package validator screens untrusted task source before installation:
// a line-oriented syntactic filter, not a semantic analyzer.
package validator

import (
	"regexp"
	"strings"

	"github.com/madsdk/python-execution-environment/internal/taskerr"
)

var (
	isComment    = regexp.MustCompile(`^[\t ]*#`)
	keywords     = regexp.MustCompile(`(__subclasses__)|(__class__)|(__import__)|(__builtins__)|(__getattr__)|(__getattribute__)|(exec)`)
	reImport     = regexp.MustCompile(`^[\t ]*import[\t ]+([\w.]+)(?:[\t ]+as[\t ]+[\w.]+)?[\t ]*(?:#|$)`)
	reFromImport = regexp.MustCompile(`^[\t ]*from[\t ]+([\w.]+)[\t ]+import[\t ]+(?:[\w.]+(?:[\t ]+as[\t ]+[\w.]+)?[\t ]*,[\t ]*)*[\w.]+(?:[\t ]+as[\t ]+[\w.]+)?[\t ]*(?:#|$)`)
)

// LegalImports is the closed allow-list of modules untrusted task code
// may import.
var LegalImports = map[string]bool{
	"math":                 true,
	"PIL":                  true,
	"StringIO":             true,
	"gdata.photos.service": true,
	"smtplib":              true,
	"MimeWriter":           true,
	"base64":               true,
}

// Validate runs the syntactic filter over code and returns a
// *taskerr.ValidationError on the first rejected line, or nil if the
// code passes every check. It never returns any other error type.
func Validate(code string) error {
	lineno := 0
	for _, line := range strings.Split(code, "\n") {
		lineno++

		if isComment.MatchString(line) {
			continue
		}

		if m := keywords.FindStringSubmatch(line); m != nil {
			token := ""
			for _, g := range m[1:] {
				if g != "" {
					token = g
					break
				}
			}
			if token == "" {
				token = m[0]
			}
			return &taskerr.ValidationError{Token: token, Line: lineno}
		}

		if strings.Contains(line, "import") {
			var module string
			if m := reImport.FindStringSubmatch(line); m != nil {
				module = m[1]
			} else if m := reFromImport.FindStringSubmatch(line); m != nil {
				module = m[1]
			} else {
				return &taskerr.ValidationError{
					Msg: "unrecognised (obfuscated?) import statement: " + line,
				}
			}
			if !LegalImports[module] {
				return &taskerr.ValidationError{
					Msg: "code imports: " + module,
				}
			}
		}
	}
	return nil
}
