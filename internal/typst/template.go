package typst

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sgomezsal/typ2anki/internal/config"
)

// AnkiconfName is the shared template file expected at the build root.
// Its digest (including everything it imports) is the template half of
// the cache's config segment.
const AnkiconfName = "ankiconf.typ"

const defaultAnkiconf = `
#let conf(
  doc,
) = {
  doc
}
`

var importRE = regexp.MustCompile(`(?m)^#import\s*"([^"]+)"\s*`)

// EnsureAnkiconf writes a default ankiconf.typ when the build root has
// none, so a fresh document tree compiles without setup.
func EnsureAnkiconf(cfg *config.Config) error {
	path := filepath.Join(cfg.Path, AnkiconfName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if cfg.DryRun {
		return nil
	}
	if err := os.WriteFile(path, []byte(defaultAnkiconf), 0o644); err != nil {
		return fmt.Errorf("failed to create %s: %w", AnkiconfName, err)
	}
	return nil
}

// TemplateDigest hashes the ankiconf template together with every file it
// transitively imports. An edit to any imported file therefore flips the
// config segment for the whole run.
func TemplateDigest(cfg *config.Config, hash func(string) string) (string, error) {
	path := filepath.Join(cfg.Path, AnkiconfName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("template file not found at %s: %w", path, err)
	}

	content := string(data)
	for _, imp := range collectImports(cfg.Path, content) {
		impData, err := os.ReadFile(imp)
		if err != nil {
			continue
		}
		content += "\n" + string(impData)
	}

	return hash(content), nil
}

// collectImports resolves #import paths relative to the build root,
// following imports of imports. Missing files are skipped; the digest
// only covers what the compiler will actually read.
func collectImports(root, content string) []string {
	seen := make(map[string]bool)
	var resolved []string

	queue := importPaths(content)
	for len(queue) > 0 {
		imp := queue[0]
		queue = queue[1:]

		if filepath.IsAbs(imp) {
			imp = strings.TrimPrefix(imp, string(os.PathSeparator))
		}
		full := filepath.Join(root, imp)
		if seen[full] {
			continue
		}
		seen[full] = true

		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		resolved = append(resolved, full)
		queue = append(queue, importPaths(string(data))...)
	}

	return resolved
}

func importPaths(content string) []string {
	var paths []string
	for _, m := range importRE.FindAllStringSubmatch(content, -1) {
		paths = append(paths, m[1])
	}
	return paths
}

// wrapCard produces the temporary document handed to the compiler: the
// ankiconf import, page setup, the width clamp, a card function that
// renders question and answer as two pages, and finally the card body.
func wrapCard(cfg *config.Config, body, ankiconfRel string) string {
	cardType := "card"
	if strings.Contains(body, "custom-card") {
		cardType = "custom-card"
	}

	pageConfig := `
#set page(
  width: auto,
  height: auto,
  margin: 3pt,
  fill: rgb("#00000000"),
)`
	if cfg.Output == config.OutputHTML {
		pageConfig = ""
	}

	widthClamp := `
#let display_with_width(body) = {
  body
}
`
	if cfg.MaxCardWidth != "auto" {
		widthClamp = fmt.Sprintf(`
#let display_with_width(body) = {
  layout(size => {
    let (width,) = measure(body)
    if width > %[1]s {
      width = %[1]s
    } else {
      width = auto
    }
    context[
      #block(width: width,body)
    ]
  })
}
`, cfg.MaxCardWidth)
	}

	return fmt.Sprintf(`
#import "%s": *
#show: doc => conf(doc)

%s

%s

#let %s(
  id: "",
  q: "",
  a: "",
  ..args
) = {
  let args = arguments(..args, type: "basic")
  if args.at("type") == "basic" {
    context[
      #display_with_width(q) \
      #pagebreak()
      #display_with_width(a)
    ]
  }
}
%s
`, ankiconfRel, pageConfig, widthClamp, cardType, body)
}
