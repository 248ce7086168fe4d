// Package
// the purpuse of this script is to create a "main.go" with addons from
// addons.conf inserted into the import field. This will include the addons
// with the build. The file will then be run with the same environment and
// file descriptors as this script.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

func main() {
	if err := start(); err != nil {
		log.Fatal(err)
	}
}

type startConfig struct {
	goBin   string
	homeDir string
	envPath string
}

// Errors.
var (
	ErrOneAddonPerLine = errors.New("one addon per line")
	ErrNotExist        = errors.New("does not exist")
)

func parseFlags(args []string) (startConfig, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	goBin := fs.String("goBin", "go", "path to go binary")
	homeDir := fs.String("homeDir", ".", "project root directory")
	envFlag := fs.String("env", "configs/env.yaml", "path to env.yaml")
	if err := fs.Parse(args); err != nil {
		return startConfig{}, err
	}

	homePath, err := filepath.Abs(*homeDir)
	if err != nil {
		return startConfig{}, fmt.Errorf("could not get absolute path of homeDir: %w", err)
	}
	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return startConfig{}, fmt.Errorf("could not get absolute path of env: %w", err)
	}

	for _, path := range []string{homePath, envPath} {
		if _, err := os.Stat(path); err != nil {
			return startConfig{}, fmt.Errorf("%v: %w", path, ErrNotExist)
		}
	}

	return startConfig{
		goBin:   *goBin,
		homeDir: homePath,
		envPath: envPath,
	}, nil
}

func start() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	// addons.conf is kept next to env.yaml.
	addons, err := getAddons(filepath.Join(filepath.Dir(cfg.envPath), "addons.conf"))
	if err != nil {
		return err
	}

	const main = "start/build/main.go"
	os.Mkdir(filepath.Join(cfg.homeDir, "start", "build"), 0o700) //nolint:errcheck

	if err := genFile(filepath.Join(cfg.homeDir, main), addons); err != nil {
		return err
	}

	cmd := exec.Command(cfg.goBin, "run", main, "-env", cfg.envPath)
	cmd.Dir = cfg.homeDir

	// Give parrents file descriptors and environment to child process.
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	fmt.Println("running..")
	return cmd.Run()
}

// getAddons reads and parses "addons.conf"
func getAddons(path string) ([]string, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read addons.conf: %w", err)
	}

	var addons []string
	lines := strings.Split(strings.TrimSpace(string(file)), "\n")
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)

		// Ignore lines starting with "#"
		if len(trimmedLine) == 0 || trimmedLine[0] == '#' {
			continue
		}

		if strings.Contains(trimmedLine, " ") {
			return nil, fmt.Errorf("%w: %v", ErrOneAddonPerLine, trimmedLine)
		}

		addons = append(addons, trimmedLine)
	}
	return addons, nil
}

const mainTemplate = `package main

import (
	"log"
	"os"

	"stream2file"
{{ range . }}
	_ "{{ . }}"{{ end }}
)

func main() {
	if err := stream2file.Run(); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}
`

// genFile inserts addons into "main.go" template and writes to file.
func genFile(path string, addons []string) error {
	t := template.Must(template.New("file").Parse(mainTemplate))

	var b bytes.Buffer
	if err := t.Execute(&b, addons); err != nil {
		return err
	}

	if err := os.WriteFile(path, b.Bytes(), 0o600); err != nil {
		return fmt.Errorf("could not write build file: %w", err)
	}
	return nil
}
