package topology

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

// Load error codes, shared with the CLI.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeSchema      = "E008" // Value does not satisfy #Topology
	ErrCodeNoTopology  = "E009" // No top-level topology field
)

// LoadError is a failure to turn CUE source into a Spec.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads the CUE package in dir and decodes its `topology` field.
func Load(dir string) (*Spec, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("topology directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing topology directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fromCUEError(ErrCodeBuildFailed, err)
	}
	return decode(ctx, value)
}

// Compile parses a single CUE source with a top-level `topology` field.
func Compile(src string) (*Spec, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename("topology.cue"))
	if err := value.Err(); err != nil {
		return nil, fromCUEError(ErrCodeBuildFailed, err)
	}
	return decode(ctx, value)
}

func decode(ctx *cue.Context, value cue.Value) (*Spec, error) {
	topo := value.LookupPath(cue.ParsePath("topology"))
	if !topo.Exists() {
		return nil, &LoadError{Code: ErrCodeNoTopology, Message: "no top-level topology field"}
	}

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("embedded schema: %v", err)}
	}
	unified := schema.LookupPath(cue.ParsePath("#Topology")).Unify(topo)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fromCUEError(ErrCodeSchema, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fromCUEError(ErrCodeSchema, err)
	}
	spec, err := decodeJSON(data)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("decoding topology: %v", err)}
	}
	return spec, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// fromCUEError keeps the position of the first CUE error.
func fromCUEError(code string, err error) *LoadError {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
