package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/slipstream/types"
)

// DepsCodec reconstructs a typed dependency value from its wire form and
// back. The Tag is the stable identity carried in the deps blob's type field;
// it replaces the runtime type lookup a dynamic language would perform.
type DepsCodec struct {
	Tag    string
	Encode func(v any) ([]byte, error)
	Decode func(data []byte) (any, error)
}

// JSONCodec builds a codec that round-trips T through JSON under the given
// tag. This is the common case; hand-written codecs are only needed for
// values that cannot be expressed as JSON.
func JSONCodec[T any](tag string) DepsCodec {
	return DepsCodec{
		Tag: tag,
		Encode: func(v any) ([]byte, error) {
			return json.Marshal(v)
		},
		Decode: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// DepsCodecs is the registry of dependency codecs keyed by type tag.
type DepsCodecs struct {
	mu    sync.RWMutex
	byTag map[string]DepsCodec
}

// NewDepsCodecs creates an empty codec registry.
func NewDepsCodecs() *DepsCodecs {
	return &DepsCodecs{byTag: map[string]DepsCodec{}}
}

// Register adds a codec. Registering an existing tag replaces it.
func (c *DepsCodecs) Register(codec DepsCodec) error {
	if codec.Tag == "" {
		return fmt.Errorf("deps codec tag must not be empty")
	}
	if codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("deps codec %q must define Encode and Decode", codec.Tag)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTag[codec.Tag] = codec
	return nil
}

// Has reports whether a codec is registered for the tag.
func (c *DepsCodecs) Has(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTag[tag]
	return ok
}

// Encode serializes a dependency value into a self-describing blob.
func (c *DepsCodecs) Encode(tag string, v any) (*types.SerializedDeps, error) {
	c.mu.RLock()
	codec, ok := c.byTag[tag]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("deps codec %q is not registered", tag)
	}
	data, err := codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode deps %q: %w", tag, err)
	}
	return &types.SerializedDeps{Type: tag, Data: data}, nil
}

// Decode reconstructs the typed dependency value from a blob. A nil blob or
// one without data yields nil: the activity takes no dependencies.
func (c *DepsCodecs) Decode(deps *types.SerializedDeps) (any, error) {
	if deps == nil || len(deps.Data) == 0 {
		return nil, nil
	}
	c.mu.RLock()
	codec, ok := c.byTag[deps.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrDepsDecode,
			fmt.Sprintf("deps codec %q is not registered", deps.Type))
	}
	v, err := codec.Decode(deps.Data)
	if err != nil {
		return nil, types.NewError(types.ErrDepsDecode,
			fmt.Sprintf("decode deps %q", deps.Type)).WithCause(err)
	}
	return v, nil
}
