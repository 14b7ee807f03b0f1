// Package workertype identifies the kind of R process faucet-go spawns as a
// worker and builds the Rscript invocation used to start one.
package workertype

import (
	"fmt"
	"os"
	"path/filepath"
)

// Type enumerates the kinds of worker process faucet-go knows how to spawn.
type Type int

const (
	// Auto asks Detect to look at the worker directory and pick Plumber or
	// Shiny based on which entrypoint files are present.
	Auto Type = iota
	Plumber
	Shiny
	QuartoShiny
)

func (t Type) String() string {
	switch t {
	case Plumber:
		return "plumber"
	case Shiny:
		return "shiny"
	case QuartoShiny:
		return "quarto-shiny"
	default:
		return "auto"
	}
}

// ParseType converts a CLI/env string into a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "plumber":
		return Plumber, nil
	case "shiny":
		return Shiny, nil
	case "quarto-shiny":
		return QuartoShiny, nil
	case "auto", "":
		return Auto, nil
	default:
		return Auto, fmt.Errorf("unknown worker type %q", s)
	}
}

// isPlumber reports whether dir looks like a plumber API project.
func isPlumber(dir string) bool {
	return exists(filepath.Join(dir, "plumber.R")) || exists(filepath.Join(dir, "entrypoint.R"))
}

// isShiny reports whether dir looks like a shiny application project.
func isShiny(dir string) bool {
	if exists(filepath.Join(dir, "app.R")) {
		return true
	}
	return exists(filepath.Join(dir, "ui.R")) && exists(filepath.Join(dir, "server.R"))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Detect resolves Auto into a concrete worker type by probing dir for
// well-known entrypoint files. Callers must have already excluded
// QuartoShiny (it's never auto-detected; it requires an explicit --qmd).
func Detect(dir string) (Type, error) {
	switch {
	case isPlumber(dir):
		return Plumber, nil
	case isShiny(dir):
		return Shiny, nil
	default:
		return Auto, fmt.Errorf("could not determine worker type for %q: specify --type explicitly", dir)
	}
}

// SpawnSpec is the fully-resolved argv the supervisor execs to start a
// worker, plus the working directory it should run in.
type SpawnSpec struct {
	Program string
	Args    []string
	Dir     string
}

// Options carries the pieces of configuration needed to build a worker's
// Rscript invocation, independent of which port it will bind to.
type Options struct {
	Type    Type
	Rscript string // path to the Rscript executable
	Quarto  string // path to the quarto executable (QuartoShiny only)
	Dir     string // worker's working directory
	AppDir  string // optional shiny::runApp(appDir=...) override
	Qmd     string // required for QuartoShiny: the .qmd file to render
}

// Command builds the Rscript (or quarto) invocation that starts a worker
// listening on port.
func Command(opt Options, port int) (SpawnSpec, error) {
	switch opt.Type {
	case Plumber:
		expr := fmt.Sprintf(`options("plumber.port" = %d); plumber::pr_run(plumber::plumb())`, port)
		return SpawnSpec{Program: opt.Rscript, Args: []string{"-e", expr}, Dir: opt.Dir}, nil
	case Shiny:
		appDirArg := ""
		if opt.AppDir != "" {
			appDirArg = fmt.Sprintf("appDir = %q", opt.AppDir)
		}
		expr := fmt.Sprintf(`options("shiny.port" = %d); shiny::runApp(%s)`, port, appDirArg)
		return SpawnSpec{Program: opt.Rscript, Args: []string{"-e", expr}, Dir: opt.Dir}, nil
	case QuartoShiny:
		if opt.Qmd == "" {
			return SpawnSpec{}, fmt.Errorf("quarto-shiny worker type requires --qmd")
		}
		return SpawnSpec{
			Program: opt.Quarto,
			Args:    []string{"serve", opt.Qmd, "--port", fmt.Sprintf("%d", port), "--no-browser"},
			Dir:     opt.Dir,
		}, nil
	default:
		return SpawnSpec{}, fmt.Errorf("cannot build a command for worker type %v, resolve Auto first", opt.Type)
	}
}
