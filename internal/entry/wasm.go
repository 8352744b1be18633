package entry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/zeebo/blake3"

	"github.com/seantiz/taskworker/internal/stdio"
)

// WasmResolver resolves names to WebAssembly modules run under WASI. A name
// is looked up in the catalog first, then as <dir>/<name>.wasm.
type WasmResolver struct {
	rt      wazero.Runtime
	dir     string
	catalog *Catalog
	mux     *stdio.Mux
	logger  *slog.Logger
}

// NewWasmResolver creates a resolver with its own wazero runtime. Either dir
// or catalog may be empty. Call Close to release the runtime.
func NewWasmResolver(ctx context.Context, dir string, catalog *Catalog, mux *stdio.Mux, logger *slog.Logger) *WasmResolver {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &WasmResolver{
		rt:      rt,
		dir:     dir,
		catalog: catalog,
		mux:     mux,
		logger:  logger,
	}
}

// Close releases the runtime and every compiled module.
func (r *WasmResolver) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func (r *WasmResolver) locate(name string) (path, export string, ok bool) {
	if e, found := r.catalog.Lookup(name); found {
		return e.Module, e.Entry, true
	}
	if r.dir == "" || name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", "", false
	}
	return filepath.Join(r.dir, name+".wasm"), DefaultWasmEntry, true
}

// Resolve compiles the module for name and checks that it exports its entry
// function.
func (r *WasmResolver) Resolve(ctx context.Context, name string) (Main, error) {
	path, export, ok := r.locate(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	bin, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q (%s)", ErrNotFound, name, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}

	compiled, err := r.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", path, err)
	}
	if _, ok := compiled.ExportedFunctions()[export]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %q does not export %s", ErrNoEntry, name, export)
	}

	r.logger.Info("wasm unit compiled",
		"name", name,
		"module", path,
		"entry", export,
		"fingerprint", Fingerprint(bin),
	)

	return func(ctx context.Context, args []string) error {
		cfg := wazero.NewModuleConfig().
			WithName("").
			WithArgs(append([]string{name}, args...)...).
			WithStdout(r.mux.Stdout(ctx)).
			WithStderr(r.mux.Stderr(ctx)).
			WithStdin(r.mux.Stdin(ctx)).
			WithSysWalltime().
			WithSysNanotime().
			WithStartFunctions(export)

		mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
		if err != nil {
			var exitErr *sys.ExitError
			if errors.As(err, &exitErr) {
				if exitErr.ExitCode() == 0 {
					return nil
				}
				return fmt.Errorf("%s exited with code %d", name, exitErr.ExitCode())
			}
			return fmt.Errorf("run %s: %w", name, err)
		}
		return mod.Close(ctx)
	}, nil
}

// Fingerprint returns the BLAKE3 digest of a module, as logged on compile.
func Fingerprint(bin []byte) string {
	sum := blake3.Sum256(bin)
	return "blake3:" + hex.EncodeToString(sum[:])
}
