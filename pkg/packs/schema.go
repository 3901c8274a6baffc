package packs

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// packSchema constrains pack definitions beyond what struct tags express.
const packSchema = `
#Pack: {
	name:         =~"^[a-z0-9][a-z0-9_-]{0,63}$"
	description?: string
	files?: [...#File]
	packages?: [...#Package]
	settings?: [...#Setting]
}

#File: {
	path:          =~"^(~/|/)[A-Za-z0-9._/+-]+$"
	mode:          =~"^0?[0-7]{3,4}$"
	content?:      string
	content_hash?: =~"^[a-fA-F0-9]{64}$"
}

#Package: {
	name:         =~"^[a-zA-Z0-9][a-zA-Z0-9.+_:-]*$"
	min_version?: =~"^[0-9][0-9A-Za-z.+~:-]*$"
}

#Setting: {
	key:   =~"^[A-Za-z_][A-Za-z0-9_]*$"
	value: string & !~"[\n\r]"
	kind:  "env_var"
}
`

// Schema validates packs against the CUE definition above.
// The CUE runtime is not safe for concurrent use, so calls are serialized.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	pack cue.Value
}

// NewSchema compiles the pack schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(packSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile pack schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Pack"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("pack schema has no #Pack definition: %w", err)
	}

	return &Schema{ctx: ctx, pack: def}, nil
}

// Validate unifies p with the schema and requires a concrete result.
func (s *Schema) Validate(p *Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(p)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode pack: %w", err)
	}

	unified := s.pack.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("pack %s does not match schema: %w", p.Name, err)
	}

	return nil
}
