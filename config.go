package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// config is the full runtime configuration, assembled from CLI flags with
// environment variables (optionally via a .env file) as fallback defaults.
// Flags win over the environment; the environment wins over built-in defaults.
type config struct {
	// Root is the absolute directory all served and indexed paths are
	// confined beneath.
	Root string

	// SingleFile, when non-empty, is the root-relative path served at "/".
	// Empty means "/" shows a listing of Root.
	SingleFile string

	Port        int
	Theme       string // light, dark or auto
	OpenBrowser bool

	// EnableSearch gates the /search endpoint and the background index.
	EnableSearch bool

	// EnableCollab gates the /ws endpoint and the durable store.
	EnableCollab bool

	// DataDir holds the annotation/viewed-state database.
	DataDir string
}

func defaultDataDir() string {
	if dir := os.Getenv("MARKON_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".markon"
	}
	return filepath.Join(home, ".markon")
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadConfig parses args (not including the program name) into a config.
// A .env file in the working directory is loaded first so that
// MARKON_PORT/MARKON_ROOT/MARKON_DATA_DIR can be set per-project.
func loadConfig(args []string) (*config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("markon", flag.ContinueOnError)
	port := fs.Int("port", envInt("MARKON_PORT", 6419), "Port to serve on")
	theme := fs.String("theme", "auto", "Theme selection (light, dark, auto)")
	browser := fs.Bool("browser", true, "Open browser automatically")
	search := fs.Bool("search", true, "Enable full-text search")
	annotations := fs.Bool("shared-annotation", false, "Enable shared annotations")
	viewed := fs.Bool("enable-viewed", false, "Enable section viewed checkboxes")
	dataDir := fs.String("data-dir", defaultDataDir(), "Directory for the annotation database")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch *theme {
	case "light", "dark", "auto":
	default:
		return nil, fmt.Errorf("invalid theme %q: use light, dark, or auto", *theme)
	}

	target := "."
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	} else if env := os.Getenv("MARKON_ROOT"); env != "" {
		target = env
	}

	root, singleFile, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}

	return &config{
		Root:         root,
		SingleFile:   singleFile,
		Port:         *port,
		Theme:        *theme,
		OpenBrowser:  *browser,
		EnableSearch: *search,
		EnableCollab: *annotations || *viewed,
		DataDir:      *dataDir,
	}, nil
}

// resolveTarget turns the positional argument into an absolute root plus an
// optional root-relative file. A file argument serves that file at "/" and
// roots the server at its parent directory.
func resolveTarget(target string) (root, singleFile string, err error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", "", fmt.Errorf("invalid path %q: %w", target, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", "", fmt.Errorf("cannot access %q: %w", target, err)
	}

	if info.IsDir() {
		return abs, "", nil
	}
	return filepath.Dir(abs), filepath.Base(abs), nil
}
