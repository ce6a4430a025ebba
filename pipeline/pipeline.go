// Package pipeline drives the translation stages over a shared program
// model: ingest, resolve, lower, emit. Ingest, lower, and emit fan out over
// worker goroutines; resolve runs between two barriers because it needs the
// full name set and freezes the graph.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/config"
	"github.com/SwitchGDX/clearwing-vm/emit"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/link"
	"github.com/SwitchGDX/clearwing-vm/model"
	"github.com/SwitchGDX/clearwing-vm/symdb"
	"github.com/SwitchGDX/clearwing-vm/tir"
	"github.com/SwitchGDX/clearwing-vm/wire"
)

var log = commonlog.GetLogger("clearwing.pipeline")

// Run executes the whole translation per the configuration. Output lands in
// cfg.Output.Dir via a staging directory and atomic rename; on any failure
// the staging directory is removed and nothing is left behind.
func Run(cfg *config.Config) error {
	blobs, err := collectInputs(cfg)
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		return fault.New(fault.IOError, "no class files found under the input roots")
	}
	log.Infof("ingest: %d class files", len(blobs))

	prog, err := ingest(blobs)
	if err != nil {
		return err
	}
	prog.SetProvided(cfg.Runtime.Provided)

	// Barrier: resolve needs every name present.
	if err := link.Resolve(prog, link.Options{
		Roots:   cfg.Input.Entry,
		KeepAll: cfg.Output.KeepUnreachable,
	}); err != nil {
		return err
	}
	log.Infof("resolve: %d classes linked", prog.Len())

	// Barrier: lowering reads the frozen graph.
	if err := lowerAll(prog); err != nil {
		return err
	}

	opts := emit.Options{
		ABI:                cfg.Runtime.ABI,
		Assertions:         cfg.Output.Assertions,
		IncludeUnreachable: cfg.Output.KeepUnreachable,
	}
	units, err := emitAll(prog, cfg, opts)
	if err != nil {
		return err
	}
	log.Infof("emit: %d units", len(units))

	return writeOutput(cfg, prog, units)
}

// ---------------------------------------------------------------------------
// Input collection
// ---------------------------------------------------------------------------

// classBlob is one class file's bytes plus its origin for error reporting.
type classBlob struct {
	path string
	data []byte
}

// collectInputs walks the input roots gathering .class files. Jar archives
// are opened in place.
func collectInputs(cfg *config.Config) ([]classBlob, error) {
	var blobs []classBlob
	for _, root := range cfg.InputRootPaths() {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fault.New(fault.IOError, "input root %s", root).Wrap(err)
		}
		if !info.IsDir() {
			if filepath.Ext(root) == ".jar" || filepath.Ext(root) == ".zip" {
				jarBlobs, err := readArchive(root)
				if err != nil {
					return nil, err
				}
				blobs = append(blobs, jarBlobs...)
				continue
			}
			return nil, fault.New(fault.IOError, "input root %s is neither a directory nor an archive", root)
		}
		err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() || filepath.Ext(path) != ".class" {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			blobs = append(blobs, classBlob{path: path, data: data})
			return nil
		})
		if err != nil {
			return nil, fault.New(fault.IOError, "walking %s", root).Wrap(err)
		}
	}
	return blobs, nil
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

// ingest parses every blob concurrently into the shared program. The
// program map itself serializes additions.
func ingest(blobs []classBlob) (*model.Program, error) {
	prog := model.NewProgram()
	var g errgroup.Group
	g.SetLimit(workerCount())
	var mu sync.Mutex
	seen := map[string]string{}
	for _, blob := range blobs {
		blob := blob
		g.Go(func() error {
			cf, err := classfile.Parse(blob.data)
			if err != nil {
				return fmt.Errorf("%s: %w", blob.path, err)
			}
			c, err := model.FromClassFile(cf)
			if err != nil {
				return fmt.Errorf("%s: %w", blob.path, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := seen[c.Name]; dup {
				return fault.New(fault.MalformedInput, "class %s appears in both %s and %s", c.Name, prev, blob.path)
			}
			seen[c.Name] = blob.path
			prog.Add(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prog, nil
}

// lowerAll lowers every method body. Classes are independent; methods within
// a class are handled by one worker so no two goroutines touch one
// ClassModel.
func lowerAll(prog *model.Program) error {
	var g errgroup.Group
	g.SetLimit(workerCount())
	for _, c := range prog.Classes() {
		c := c
		g.Go(func() error {
			for _, m := range c.Methods {
				if !m.Reachable {
					continue
				}
				if _, err := tir.Lower(prog, m); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// emitAll produces the per-class units in parallel, then the program table
// and manifest in a single deterministic walk.
func emitAll(prog *model.Program, cfg *config.Config, opts emit.Options) ([]emit.Unit, error) {
	classes := prog.Classes()
	results := make([][2]emit.Unit, len(classes))
	skip := make([]bool, len(classes))

	var g errgroup.Group
	g.SetLimit(workerCount())
	for i, c := range classes {
		i, c := i, c
		g.Go(func() error {
			if !c.Reachable && !opts.IncludeUnreachable {
				skip[i] = true
				return nil
			}
			h, s, err := emit.ClassUnits(prog, c, opts)
			if err != nil {
				return err
			}
			results[i] = [2]emit.Unit{h, s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var units []emit.Unit
	for i := range results {
		if skip[i] {
			continue
		}
		units = append(units, results[i][0], results[i][1])
	}
	units = append(units, emit.ProgramTables(prog, cfg.Input.Entry, opts))
	units = append(units, emit.Manifest(prog, opts))
	return units, nil
}

func workerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// writeOutput stages all units plus the link summary and optional symbol
// index, then renames into place. Half-written output never becomes
// visible.
func writeOutput(cfg *config.Config, prog *model.Program, units []emit.Unit) error {
	outDir := cfg.Output.Dir
	staging, err := stagingDir(outDir)
	if err != nil {
		return err
	}
	cleanup := func() { os.RemoveAll(staging) }

	for _, u := range units {
		path := filepath.Join(staging, u.Name)
		if err := os.WriteFile(path, u.Contents, 0o644); err != nil {
			cleanup()
			return fault.New(fault.IOError, "writing %s", path).Wrap(err)
		}
	}

	summary, err := wire.Marshal(wire.Build(prog, cfg.Runtime.ABI))
	if err != nil {
		cleanup()
		return fault.New(fault.Internal, "link summary").Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(staging, wire.SummaryFile), summary, 0o644); err != nil {
		cleanup()
		return fault.New(fault.IOError, "writing link summary").Wrap(err)
	}

	if cfg.Output.SymbolDB {
		if err := symdb.Write(filepath.Join(staging, symdb.DBFile), prog); err != nil {
			cleanup()
			return fault.New(fault.IOError, "writing symbol index").Wrap(err)
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		cleanup()
		return fault.New(fault.IOError, "clearing %s", outDir).Wrap(err)
	}
	if err := os.Rename(staging, outDir); err != nil {
		cleanup()
		return fault.New(fault.IOError, "renaming output into %s", outDir).Wrap(err)
	}
	log.Infof("output: %s", outDir)
	return nil
}

// stagingDir creates the staging directory: under the temporary-directory
// hint when set, else next to the output directory so the final rename
// stays on one filesystem.
func stagingDir(outDir string) (string, error) {
	base := filepath.Dir(outDir)
	if hint := os.Getenv("CLEARWING_TMPDIR"); hint != "" {
		base = hint
	}
	dir, err := os.MkdirTemp(base, ".clearwing-staging-*")
	if err != nil {
		return "", fault.New(fault.IOError, "creating staging directory").Wrap(err)
	}
	return dir, nil
}
