// Package verify separates claimed improvements from confirmed ones by
// looking for the evidence a claim implies.
package verify

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/chr1sbest/marathon/internal/state"
)

const (
	ReasonMissingArtifact = "declared artifact not found"
	ReasonMissingPath     = "referenced artifact not found"
	ReasonNoEvidence      = "no verifiable evidence"
	ReasonRetrospective   = "retrospective check failed"
)

// Verdict is the outcome of verifying one improvement.
type Verdict struct {
	Confirmed bool
	Reason    string
}

// artifactVerbs mark descriptions that imply something now exists on disk.
var artifactVerbs = []string{"generated", "created", "wrote", "written", "saved", "added", "report", "exported"}

var extPattern = regexp.MustCompile(`^\.[A-Za-z][A-Za-z0-9]{1,10}$`)

// Verifier checks improvements against a filesystem rooted at Root.
type Verifier struct {
	Fs   afero.Fs
	Root string
	// Strict rejects claims that carry no checkable artifact.
	Strict bool
}

func New(fs afero.Fs, root string, strict bool) *Verifier {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Verifier{Fs: fs, Root: root, Strict: strict}
}

// Verify is deterministic and only reads the filesystem.
func (v *Verifier) Verify(imp state.Improvement) Verdict {
	if imp.Artifact != "" {
		if !v.exists(imp.Artifact) {
			return Verdict{Reason: ReasonMissingArtifact + ": " + imp.Artifact}
		}
		return Verdict{Confirmed: true}
	}
	if p, ok := ImpliedArtifact(imp.Description); ok {
		if !v.exists(p) {
			return Verdict{Reason: ReasonMissingPath + ": " + p}
		}
		return Verdict{Confirmed: true}
	}
	if v.Strict {
		return Verdict{Reason: ReasonNoEvidence}
	}
	return Verdict{Confirmed: true}
}

// Confirm is Verify reduced to a bool.
func (v *Verifier) Confirm(imp state.Improvement) bool {
	return v.Verify(imp).Confirmed
}

func (v *Verifier) exists(p string) bool {
	if !filepath.IsAbs(p) && v.Root != "" {
		p = filepath.Join(v.Root, p)
	}
	ok, err := afero.Exists(v.Fs, p)
	return err == nil && ok
}

// ImpliedArtifact returns the path a description claims to have produced,
// if it uses an artifact verb and mentions something path-like.
func ImpliedArtifact(description string) (string, bool) {
	lower := strings.ToLower(description)
	hasVerb := false
	for _, verb := range artifactVerbs {
		if strings.Contains(lower, verb) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return "", false
	}
	for _, tok := range strings.Fields(description) {
		tok = strings.Trim(tok, "\"'`()[]{}<>,;:!?")
		tok = strings.TrimRight(tok, ".")
		if pathLike(tok) {
			return tok, true
		}
	}
	return "", false
}

func pathLike(tok string) bool {
	if tok == "" || strings.Contains(tok, "://") {
		return false
	}
	if strings.Contains(tok, "/") {
		return strings.Trim(tok, "/") != ""
	}
	return extPattern.MatchString(filepath.Ext(tok))
}
